// Package chaintest provides an in-memory chain backend answering the NFT
// contract's view calls, for tests that need a *chain.Connection.
package chaintest

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"aimint/internal/chain"
	"aimint/internal/config"
	"aimint/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const ChainID = 31337

var ContractAddress = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

var errReadOnly = errors.New("chaintest: backend is read-only")

// Backend answers name, symbol, cost and totalSupply. Transactions are refused.
type Backend struct {
	abi abi.ABI

	mu          sync.Mutex
	Name        string
	Symbol      string
	Supply      *big.Int
	Cost        *big.Int
	Block       uint64
	blockNumErr error
}

func NewBackend(t testing.TB) *Backend {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contracts.NFTABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	return &Backend{
		abi:    parsed,
		Name:   "AI Generated NFT",
		Symbol: "AINFT",
		Supply: big.NewInt(3),
		Cost:   chain.MintPrice(),
		Block:  100,
	}
}

func (b *Backend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if len(call.Data) < 4 {
		return nil, errors.New("chaintest: short call data")
	}
	method, err := b.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch method.Name {
	case "name":
		return method.Outputs.Pack(b.Name)
	case "symbol":
		return method.Outputs.Pack(b.Symbol)
	case "totalSupply":
		return method.Outputs.Pack(b.Supply)
	case "cost":
		return method.Outputs.Pack(b.Cost)
	}
	return nil, errors.New("execution reverted")
}

func (b *Backend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Block, b.blockNumErr
}

func (b *Backend) SetBlockNumberErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blockNumErr = err
}

func (b *Backend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: new(big.Int).SetUint64(b.Block), BaseFee: big.NewInt(1)}, nil
}

func (b *Backend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 0, nil
}

func (b *Backend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *Backend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *Backend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 0, errReadOnly
}

func (b *Backend) SendTransaction(context.Context, *types.Transaction) error {
	return errReadOnly
}

func (b *Backend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, nil
}

func (b *Backend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errReadOnly
}

func (b *Backend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, ethereum.NotFound
}

func (b *Backend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Mul(chain.MintPrice(), big.NewInt(10)), nil
}

// Wallet is a chain.Wallet over a Backend with a throwaway key.
type Wallet struct {
	backend *Backend
	opts    *bind.TransactOpts
}

func NewWallet(t testing.TB, backend *Backend) *Wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(ChainID))
	if err != nil {
		t.Fatalf("transactor: %v", err)
	}
	return &Wallet{backend: backend, opts: opts}
}

func (w *Wallet) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(ChainID), nil
}

func (w *Wallet) Account() common.Address {
	return w.opts.From
}

func (w *Wallet) Signer(context.Context, *big.Int) (*bind.TransactOpts, error) {
	opts := *w.opts
	return &opts, nil
}

func (w *Wallet) Backend() chain.Backend {
	return w.backend
}

// Networks is a table holding only the local test chain.
func Networks() config.Networks {
	var network config.Network
	network.Name = "localhost"
	network.NFT.Address = ContractAddress.Hex()
	return config.Networks{ChainID: network}
}

// Connect initializes a connection over a fresh Backend.
func Connect(t testing.TB) (*chain.Connection, *Backend) {
	t.Helper()
	backend := NewBackend(t)
	conn, err := chain.Initialize(context.Background(), NewWallet(t, backend), Networks(), nil)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return conn, backend
}
