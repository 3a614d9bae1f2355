package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the node surface the wallet exposes to contracts and the minter.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Wallet is the wallet provider boundary: network query, account, signer.
type Wallet interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Account() common.Address
	Signer(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error)
	Backend() Backend
}

// WalletConfig selects the RPC endpoint and one signing credential.
type WalletConfig struct {
	RPCURL             string
	PrivateKeyHex      string
	KeystoreDir        string
	KeystoreAccount    string
	KeystorePassphrase string
}

// RPCWallet is a Wallet backed by a JSON-RPC node and a local key.
type RPCWallet struct {
	client *ethclient.Client
	signer signerSource
}

type signerSource interface {
	address() common.Address
	transactor(chainID *big.Int) (*bind.TransactOpts, error)
}

// NewRPCWallet dials the node and loads the signing credential. Missing
// configuration yields ErrNoWallet.
func NewRPCWallet(ctx context.Context, cfg WalletConfig) (*RPCWallet, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: rpc url is not configured", ErrNoWallet)
	}

	var (
		signer signerSource
		err    error
	)
	switch {
	case cfg.PrivateKeyHex != "":
		signer, err = newKeySigner(cfg.PrivateKeyHex)
	case cfg.KeystoreDir != "":
		ks := keystore.NewKeyStore(cfg.KeystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
		signer, err = newKeystoreSigner(ks, cfg.KeystoreAccount, cfg.KeystorePassphrase)
	default:
		return nil, fmt.Errorf("%w: no signing credential configured", ErrNoWallet)
	}
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %w", ErrProvider, err)
	}

	return &RPCWallet{client: cli, signer: signer}, nil
}

func (w *RPCWallet) ChainID(ctx context.Context) (*big.Int, error) {
	return w.client.ChainID(ctx)
}

func (w *RPCWallet) Account() common.Address {
	return w.signer.address()
}

func (w *RPCWallet) Signer(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := w.signer.transactor(chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (w *RPCWallet) Backend() Backend {
	return w.client
}

func (w *RPCWallet) Close() {
	w.client.Close()
}

type keySigner struct {
	key  *ecdsa.PrivateKey
	from common.Address
}

func newKeySigner(hexKey string) (*keySigner, error) {
	key, err := parsePrivateKey(hexKey)
	if err != nil {
		return nil, err
	}
	return &keySigner{key: key, from: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (s *keySigner) address() common.Address { return s.from }

func (s *keySigner) transactor(chainID *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, chainID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignerRejected, err)
	}
	opts.Signer = tagSignerErrors(opts.Signer)
	return opts, nil
}

// keystoreSigner never leaves the account unlocked; every signature decrypts
// the key with the configured passphrase.
type keystoreSigner struct {
	ks         *keystore.KeyStore
	account    accounts.Account
	passphrase string
}

func newKeystoreSigner(ks *keystore.KeyStore, accountHex, passphrase string) (*keystoreSigner, error) {
	var account accounts.Account
	if accountHex != "" {
		if !common.IsHexAddress(accountHex) {
			return nil, fmt.Errorf("invalid keystore account %q", accountHex)
		}
		found, err := ks.Find(accounts.Account{Address: common.HexToAddress(accountHex)})
		if err != nil {
			return nil, fmt.Errorf("%w: keystore account %s: %w", ErrNoWallet, accountHex, err)
		}
		account = found
	} else {
		all := ks.Accounts()
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: keystore has no accounts", ErrNoWallet)
		}
		account = all[0]
	}
	return &keystoreSigner{ks: ks, account: account, passphrase: passphrase}, nil
}

func (s *keystoreSigner) address() common.Address { return s.account.Address }

func (s *keystoreSigner) transactor(chainID *big.Int) (*bind.TransactOpts, error) {
	if chainID == nil {
		return nil, fmt.Errorf("%w: chain id is required", ErrSignerRejected)
	}
	if err := s.ks.Unlock(s.account, s.passphrase); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignerRejected, err)
	}
	if err := s.ks.Lock(s.account.Address); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSignerRejected, err)
	}

	account := s.account
	return &bind.TransactOpts{
		From: account.Address,
		Signer: tagSignerErrors(func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
			if addr != account.Address {
				return nil, bind.ErrNotAuthorized
			}
			return s.ks.SignTxWithPassphrase(account, s.passphrase, tx, chainID)
		}),
	}, nil
}

func tagSignerErrors(sign bind.SignerFn) bind.SignerFn {
	return func(addr common.Address, tx *types.Transaction) (*types.Transaction, error) {
		signed, err := sign(addr, tx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSignerRejected, err)
		}
		return signed, nil
	}
}
