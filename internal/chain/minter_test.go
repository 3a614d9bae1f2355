package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testURI = "https://ipfs.io/ipfs/bafy123/metadata.json"

func connect(t *testing.T, backend *fakeBackend, timeoutSecs int) (*Connection, *stubWallet) {
	t.Helper()
	wallet := newStubWallet(t, backend)
	conn, err := Initialize(context.Background(), wallet, testNetworks(timeoutSecs), zaptest.NewLogger(t))
	require.NoError(t, err)
	return conn, wallet
}

func TestMintSendsURIWithOneEther(t *testing.T) {
	backend := newFakeBackend(t)
	backend.tokenID = big.NewInt(12)
	conn, wallet := connect(t, backend, 0)

	receipt, err := NewMinter(zaptest.NewLogger(t)).Mint(context.Background(), testURI, conn)
	require.NoError(t, err)

	require.Equal(t, 1, backend.sentCount())
	tx := backend.sent[0]
	assert.Equal(t, testContract, *tx.To())
	assert.Equal(t, 0, tx.Value().Cmp(MintPrice()))
	assert.Equal(t, "1000000000000000000", tx.Value().String())

	method, err := backend.abi.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "mint", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, []interface{}{testURI}, args)

	sender, err := types.LatestSignerForChainID(conn.ChainID()).Sender(tx)
	require.NoError(t, err)
	assert.Equal(t, wallet.Account(), sender)

	assert.Equal(t, tx.Hash(), receipt.TxHash)
	assert.Equal(t, uint64(42), receipt.BlockNumber)
	require.NotNil(t, receipt.TokenID)
	assert.Equal(t, int64(12), receipt.TokenID.Int64())
}

func TestMintSignerRejected(t *testing.T) {
	backend := newFakeBackend(t)
	conn, wallet := connect(t, backend, 0)
	wallet.signerErr = errors.New("user denied transaction signature")

	_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
	require.ErrorIs(t, err, ErrSignerRejected)
	assert.Zero(t, backend.sentCount())
}

func TestMintInsufficientBalance(t *testing.T) {
	backend := newFakeBackend(t)
	backend.balance = big.NewInt(10)
	conn, _ := connect(t, backend, 0)

	_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
	require.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Zero(t, backend.sentCount())
}

func TestMintContractCostAboveFixedPrice(t *testing.T) {
	backend := newFakeBackend(t)
	backend.cost = new(big.Int).Mul(MintPrice(), big.NewInt(2))
	conn, _ := connect(t, backend, 0)

	_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
	require.ErrorIs(t, err, ErrTransactionReverted)
	assert.Zero(t, backend.sentCount())
}

func TestMintProceedsWithoutCostView(t *testing.T) {
	backend := newFakeBackend(t)
	backend.cost = nil
	conn, _ := connect(t, backend, 0)

	_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.sentCount())
}

func TestMintClassifiesSubmitErrors(t *testing.T) {
	cases := []struct {
		name        string
		estimateErr error
		sendErr     error
		want        error
	}{
		{"revert during estimate", errors.New("execution reverted: max supply reached"), nil, ErrTransactionReverted},
		{"insufficient funds on send", nil, errors.New("insufficient funds for gas * price + value"), ErrInsufficientFunds},
		{"node failure", nil, errors.New("connection refused"), ErrProvider},
		{"hardhat revert", errors.New("VM Exception while processing transaction: reverted with reason string 'sold out'"), nil, ErrTransactionReverted},
		{"nonce rejected by node", nil, errors.New("transaction rejected: nonce too low"), ErrProvider},
		{"replacement underpriced", nil, errors.New("replacement transaction underpriced"), ErrProvider},
		{"user rejected on send", nil, errors.New("user rejected transaction"), ErrSignerRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := newFakeBackend(t)
			backend.estimateErr = tc.estimateErr
			backend.sendErr = tc.sendErr
			conn, _ := connect(t, backend, 0)

			_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
			require.ErrorIs(t, err, tc.want)
			for _, other := range []error{ErrTransactionReverted, ErrInsufficientFunds, ErrSignerRejected, ErrProvider} {
				if other != tc.want {
					assert.NotErrorIs(t, err, other)
				}
			}
		})
	}
}

func TestMintRevertedReceipt(t *testing.T) {
	backend := newFakeBackend(t)
	backend.receiptStatus = types.ReceiptStatusFailed
	conn, _ := connect(t, backend, 0)

	_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
	require.ErrorIs(t, err, ErrTransactionReverted)
}

func TestMintConfirmationTimeout(t *testing.T) {
	backend := newFakeBackend(t)
	backend.withhold = true
	conn, _ := connect(t, backend, 1)

	start := time.Now()
	_, err := NewMinter(nil).Mint(context.Background(), testURI, conn)
	require.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestMintIgnoresCancellationAfterSubmit(t *testing.T) {
	backend := newFakeBackend(t)
	backend.receiptDelay = 1
	conn, _ := connect(t, backend, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend.onSend = cancel

	receipt, err := NewMinter(nil).Mint(ctx, testURI, conn)
	require.NoError(t, err)
	assert.Equal(t, backend.sent[0].Hash(), receipt.TxHash)
}

func TestMintRequiresURI(t *testing.T) {
	backend := newFakeBackend(t)
	conn, _ := connect(t, backend, 0)

	_, err := NewMinter(nil).Mint(context.Background(), "  ", conn)
	require.Error(t, err)
	assert.Zero(t, backend.sentCount())
}
