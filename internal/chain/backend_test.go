package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"

	"aimint/internal/config"
	"aimint/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const testChainID = 31337

var testContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

// fakeBackend answers the node calls bind makes for view calls, mint
// transactions and receipt polling.
type fakeBackend struct {
	mu  sync.Mutex
	abi abi.ABI

	name    string
	symbol  string
	cost    *big.Int
	supply  *big.Int
	balance *big.Int

	estimateErr   error
	sendErr       error
	onSend        func()
	receiptStatus uint64
	receiptDelay  int
	withhold      bool
	tokenID       *big.Int

	calls   int
	polls   int
	sent    []*types.Transaction
	minedTo common.Address
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(contracts.NFTABI))
	if err != nil {
		t.Fatalf("parse abi: %v", err)
	}
	ether := big.NewInt(1_000_000_000_000_000_000)
	return &fakeBackend{
		abi:           parsed,
		name:          "AI Generated NFT",
		symbol:        "AINFT",
		cost:          new(big.Int).Set(ether),
		supply:        big.NewInt(0),
		balance:       new(big.Int).Mul(ether, big.NewInt(10)),
		receiptStatus: types.ReceiptStatusSuccessful,
		tokenID:       big.NewInt(1),
	}
}

func (b *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++

	method, err := b.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "name":
		return method.Outputs.Pack(b.name)
	case "symbol":
		return method.Outputs.Pack(b.symbol)
	case "cost":
		if b.cost == nil {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(b.cost)
	case "totalSupply":
		return method.Outputs.Pack(b.supply)
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(41), BaseFee: big.NewInt(1)}, nil
}

func (b *fakeBackend) PendingCodeAt(context.Context, common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.sent)), nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.estimateErr != nil {
		return 0, b.estimateErr
	}
	return 150_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.mu.Lock()
	b.sent = append(b.sent, tx)
	b.mu.Unlock()
	if b.onSend != nil {
		b.onSend()
	}
	return nil
}

func (b *fakeBackend) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls++
	if b.withhold || b.polls <= b.receiptDelay {
		return nil, ethereum.NotFound
	}
	receipt := &types.Receipt{
		Status:      b.receiptStatus,
		TxHash:      hash,
		BlockNumber: big.NewInt(42),
		GasUsed:     120_000,
	}
	if b.receiptStatus == types.ReceiptStatusSuccessful && b.tokenID != nil {
		receipt.Logs = []*types.Log{{
			Address: testContract,
			Topics: []common.Hash{
				b.abi.Events["Transfer"].ID,
				{},
				common.BytesToHash(b.minedTo.Bytes()),
				common.BigToHash(b.tokenID),
			},
		}}
	}
	return receipt, nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return new(big.Int).Set(b.balance), nil
}

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	return 42, nil
}

func (b *fakeBackend) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type stubWallet struct {
	chainID   *big.Int
	chainErr  error
	signerErr error
	key       *ecdsa.PrivateKey
	backend   *fakeBackend
}

func newStubWallet(t *testing.T, backend *fakeBackend) *stubWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	backend.minedTo = crypto.PubkeyToAddress(key.PublicKey)
	return &stubWallet{chainID: big.NewInt(testChainID), key: key, backend: backend}
}

func (w *stubWallet) ChainID(context.Context) (*big.Int, error) {
	if w.chainErr != nil {
		return nil, w.chainErr
	}
	return w.chainID, nil
}

func (w *stubWallet) Account() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

func (w *stubWallet) Signer(ctx context.Context, chainID *big.Int) (*bind.TransactOpts, error) {
	if w.signerErr != nil {
		return nil, w.signerErr
	}
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

func (w *stubWallet) Backend() Backend {
	return w.backend
}

func testNetworks(timeoutSecs int) config.Networks {
	var network config.Network
	network.Name = "localhost"
	network.NFT.Address = testContract.Hex()
	network.ConfirmationTimeoutSecs = timeoutSecs
	return config.Networks{testChainID: network}
}
