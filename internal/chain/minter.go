package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"aimint/internal/logging"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"go.uber.org/zap"
)

// MintPrice returns the value attached to every mint: one native-currency unit.
func MintPrice() *big.Int {
	return big.NewInt(params.Ether)
}

// Receipt is a confirmed mint.
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	GasUsed     uint64
	TokenID     *big.Int
}

// Minter submits mint transactions and waits for their confirmation.
type Minter struct {
	logger *zap.Logger
}

func NewMinter(logger *zap.Logger) *Minter {
	return &Minter{logger: logging.OrNop(logger)}
}

// Mint sends mint(uri) with MintPrice attached and blocks until the receipt is
// in. Once the transaction has been handed to the signer the caller's context
// no longer cancels the call; only the network's confirmation timeout bounds it.
func (m *Minter) Mint(ctx context.Context, uri string, conn *Connection) (Receipt, error) {
	if conn == nil {
		return Receipt{}, ErrNoWallet
	}
	if strings.TrimSpace(uri) == "" {
		return Receipt{}, errors.New("token uri is required")
	}

	price := MintPrice()
	wallet := conn.Wallet()
	contract := conn.Contract()
	backend := wallet.Backend()

	opts, err := wallet.Signer(ctx, conn.ChainID())
	if err != nil {
		if errors.Is(err, ErrSignerRejected) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %w", ErrSignerRejected, err)
	}

	balance, err := backend.BalanceAt(ctx, opts.From, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: balance: %w", ErrProvider, err)
	}
	if balance.Cmp(price) < 0 {
		return Receipt{}, fmt.Errorf("%w: balance %s wei below mint price %s wei", ErrInsufficientFunds, balance, price)
	}

	if cost, err := contract.Cost(ctx); err != nil {
		m.logger.Debug("contract cost unavailable, skipping price check", zap.Error(err))
	} else if cost.Cmp(price) > 0 {
		return Receipt{}, fmt.Errorf("%w: contract requires %s wei, mint price is %s wei", ErrTransactionReverted, cost, price)
	}

	submitCtx := context.WithoutCancel(ctx)
	opts.Context = submitCtx
	opts.Value = price

	tx, err := contract.Mint(opts, uri)
	if err != nil {
		return Receipt{}, classifySubmitError(err)
	}

	m.logger.Info("mint submitted",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("from", opts.From.Hex()),
		zap.String("token_uri", uri),
	)

	waitCtx, cancel := context.WithTimeout(submitCtx, conn.Network().ConfirmationTimeout())
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, backend, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Receipt{}, fmt.Errorf("%w: tx %s", ErrConfirmationTimeout, tx.Hash().Hex())
		}
		return Receipt{}, fmt.Errorf("%w: wait for receipt: %w", ErrProvider, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Receipt{}, fmt.Errorf("%w: tx %s", ErrTransactionReverted, tx.Hash().Hex())
	}

	out := Receipt{
		TxHash:  receipt.TxHash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if tokenID, ok := contract.TokenIDFromReceipt(receipt); ok {
		out.TokenID = tokenID
	}

	m.logger.Info("mint confirmed",
		zap.String("tx_hash", out.TxHash.Hex()),
		zap.Uint64("block", out.BlockNumber),
	)
	return out, nil
}

func classifySubmitError(err error) error {
	if errors.Is(err, ErrSignerRejected) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "vm exception while processing transaction: revert"):
		return fmt.Errorf("%w: %w", ErrTransactionReverted, err)
	case strings.Contains(msg, "user denied"), strings.Contains(msg, "user rejected"):
		return fmt.Errorf("%w: %w", ErrSignerRejected, err)
	default:
		return fmt.Errorf("%w: submit mint: %w", ErrProvider, err)
	}
}
