package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"aimint/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NFT is a handle on the deployed mint contract.
type NFT struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewNFT binds the NFT ABI at address on backend.
func NewNFT(address common.Address, backend bind.ContractBackend) (*NFT, error) {
	parsedABI, err := abi.JSON(strings.NewReader(contracts.NFTABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &NFT{
		address:  address,
		abi:      parsedABI,
		contract: bind.NewBoundContract(address, parsedABI, backend, backend, backend),
	}, nil
}

func (n *NFT) Address() common.Address {
	return n.address
}

func (n *NFT) Name(ctx context.Context) (string, error) {
	return callString(ctx, n.contract, "name")
}

func (n *NFT) Symbol(ctx context.Context) (string, error) {
	return callString(ctx, n.contract, "symbol")
}

// Cost is the price the contract itself demands per mint.
func (n *NFT) Cost(ctx context.Context) (*big.Int, error) {
	return callUint(ctx, n.contract, "cost")
}

func (n *NFT) TotalSupply(ctx context.Context) (*big.Int, error) {
	return callUint(ctx, n.contract, "totalSupply")
}

// Mint submits mint(tokenURI); the caller sets opts.Value.
func (n *NFT) Mint(opts *bind.TransactOpts, tokenURI string) (*types.Transaction, error) {
	return n.contract.Transact(opts, "mint", tokenURI)
}

// TokenIDFromReceipt finds the ERC-721 Transfer emitted by this contract.
func (n *NFT) TokenIDFromReceipt(receipt *types.Receipt) (*big.Int, bool) {
	if receipt == nil {
		return nil, false
	}
	transfer := n.abi.Events["Transfer"].ID
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != n.address || len(lg.Topics) != 4 || lg.Topics[0] != transfer {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[3].Bytes()), true
	}
	return nil, false
}

func callString(ctx context.Context, contract *bind.BoundContract, method string) (string, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return "", fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) != 1 {
		return "", fmt.Errorf("call %s: unexpected output length %d", method, len(out))
	}
	value, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("call %s: unexpected output type %T", method, out[0])
	}
	return value, nil
}

func callUint(ctx context.Context, contract *bind.BoundContract, method string) (*big.Int, error) {
	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("call %s: unexpected output length %d", method, len(out))
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("call %s: unexpected output type %T", method, out[0])
	}
	return value, nil
}
