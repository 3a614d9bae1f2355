package chain

import "errors"

// Connection errors.
var (
	ErrNoWallet           = errors.New("no wallet provider")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrProvider           = errors.New("wallet provider error")
)

// Mint errors.
var (
	ErrSignerRejected      = errors.New("signer rejected request")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// IsConnectionError reports whether err belongs to the connection family.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrNoWallet) || errors.Is(err, ErrUnsupportedNetwork) || errors.Is(err, ErrProvider)
}
