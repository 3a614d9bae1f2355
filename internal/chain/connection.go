package chain

import (
	"context"
	"fmt"
	"math/big"

	"aimint/internal/config"
	"aimint/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Connection is the resolved wallet, network and contract triple. It is built
// once by Initialize and never mutated; a network change means a new value.
type Connection struct {
	wallet       Wallet
	chainID      *big.Int
	network      config.Network
	contract     *NFT
	contractName string
}

// Initialize resolves the wallet's network against the network table and binds
// the contract deployed there.
func Initialize(ctx context.Context, wallet Wallet, networks config.Networks, logger *zap.Logger) (*Connection, error) {
	logger = logging.OrNop(logger)
	if wallet == nil {
		return nil, ErrNoWallet
	}

	chainID, err := wallet.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: query network: %w", ErrProvider, err)
	}

	network, ok := networks.Lookup(chainID)
	if !ok {
		return nil, fmt.Errorf("%w: chain id %s", ErrUnsupportedNetwork, chainID)
	}

	nft, err := NewNFT(common.HexToAddress(network.NFT.Address), wallet.Backend())
	if err != nil {
		return nil, err
	}

	name, err := nft.Name(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProvider, err)
	}

	logger.Info("wallet connected",
		zap.String("chain_id", chainID.String()),
		zap.String("network", network.Name),
		zap.String("account", wallet.Account().Hex()),
		zap.String("contract", nft.Address().Hex()),
		zap.String("contract_name", name),
	)

	return &Connection{
		wallet:       wallet,
		chainID:      new(big.Int).Set(chainID),
		network:      network,
		contract:     nft,
		contractName: name,
	}, nil
}

func (c *Connection) Wallet() Wallet {
	return c.wallet
}

// ChainID returns a copy of the resolved chain id.
func (c *Connection) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *Connection) Network() config.Network {
	return c.network
}

func (c *Connection) Contract() *NFT {
	return c.contract
}

func (c *Connection) ContractName() string {
	return c.contractName
}

// Ping checks the node is reachable.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.wallet.Backend().BlockNumber(ctx)
	return err
}
