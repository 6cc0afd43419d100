// Package erc1056 is a read-only binding for the ERC-1056 EthereumDIDRegistry
// contract that anchors did:ethr identifiers.
package erc1056

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const registryABI = `[
  {"constant":true,"inputs":[{"name":"identity","type":"address"}],"name":"identityOwner","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
  {"constant":true,"inputs":[{"name":"","type":"address"}],"name":"changed","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"identity","type":"address"},{"indexed":false,"name":"owner","type":"address"},{"indexed":false,"name":"previousChange","type":"uint256"}],"name":"DIDOwnerChanged","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"identity","type":"address"},{"indexed":false,"name":"delegateType","type":"bytes32"},{"indexed":false,"name":"delegate","type":"address"},{"indexed":false,"name":"validTo","type":"uint256"},{"indexed":false,"name":"previousChange","type":"uint256"}],"name":"DIDDelegateChanged","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"identity","type":"address"},{"indexed":false,"name":"name","type":"bytes32"},{"indexed":false,"name":"value","type":"bytes"},{"indexed":false,"name":"validTo","type":"uint256"},{"indexed":false,"name":"previousChange","type":"uint256"}],"name":"DIDAttributeChanged","type":"event"}
]`

// maxHistory bounds how many change blocks are walked for one identity.
const maxHistory = 64

// Backend is the chain access the binding needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DelegateChange is a decoded DIDDelegateChanged event.
type DelegateChange struct {
	DelegateType   [32]byte
	Delegate       common.Address
	ValidTo        *big.Int
	PreviousChange *big.Int
}

// Type returns the delegate type with trailing zero bytes trimmed ("veriKey", "sigAuth").
func (d DelegateChange) Type() string {
	return strings.TrimRight(string(d.DelegateType[:]), "\x00")
}

type ownerChange struct {
	Owner          common.Address
	PreviousChange *big.Int
}

type attributeChange struct {
	Name           [32]byte
	Value          []byte
	ValidTo        *big.Int
	PreviousChange *big.Int
}

// Registry reads identity state from one registry deployment.
type Registry struct {
	addr     common.Address
	backend  Backend
	contract *bind.BoundContract
	abi      abi.ABI
}

// NewRegistry binds the registry deployed at addr.
func NewRegistry(addr common.Address, backend Backend) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, err
	}
	c := bind.NewBoundContract(addr, parsed, backend, nil, nil)
	return &Registry{addr: addr, backend: backend, contract: c, abi: parsed}, nil
}

// Address returns the bound registry address.
func (r *Registry) Address() common.Address { return r.addr }

// IdentityOwner returns the current controller of identity.
func (r *Registry) IdentityOwner(ctx context.Context, identity common.Address) (common.Address, error) {
	var owner common.Address
	out := []interface{}{&owner}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "identityOwner", identity); err != nil {
		return common.Address{}, err
	}
	return owner, nil
}

// Changed returns the block of the most recent change for identity, zero if none.
func (r *Registry) Changed(ctx context.Context, identity common.Address) (*big.Int, error) {
	var block *big.Int
	out := []interface{}{&block}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &out, "changed", identity); err != nil {
		return nil, err
	}
	if block == nil {
		block = new(big.Int)
	}
	return block, nil
}

// Delegates walks the change history of identity, newest first, and returns
// every delegate event it finds. Owner and attribute events are traversed for
// their previousChange links.
func (r *Registry) Delegates(ctx context.Context, identity common.Address, from *big.Int) ([]DelegateChange, error) {
	var out []DelegateChange
	topicIdentity := common.BytesToHash(identity.Bytes())
	events := []common.Hash{
		r.abi.Events["DIDOwnerChanged"].ID,
		r.abi.Events["DIDDelegateChanged"].ID,
		r.abi.Events["DIDAttributeChanged"].ID,
	}

	block := new(big.Int).Set(from)
	seen := map[uint64]bool{}
	for i := 0; i < maxHistory && block.Sign() > 0 && !seen[block.Uint64()]; i++ {
		seen[block.Uint64()] = true
		logs, err := r.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: block,
			ToBlock:   block,
			Addresses: []common.Address{r.addr},
			Topics:    [][]common.Hash{events, {topicIdentity}},
		})
		if err != nil {
			return nil, fmt.Errorf("erc1056: filter logs at %s: %w", block, err)
		}

		next := new(big.Int)
		for _, lg := range logs {
			if len(lg.Topics) == 0 {
				continue
			}
			var prev *big.Int
			switch lg.Topics[0] {
			case events[0]:
				var ev ownerChange
				if err := r.abi.UnpackIntoInterface(&ev, "DIDOwnerChanged", lg.Data); err != nil {
					return nil, fmt.Errorf("erc1056: decode owner change: %w", err)
				}
				prev = ev.PreviousChange
			case events[1]:
				var ev DelegateChange
				if err := r.abi.UnpackIntoInterface(&ev, "DIDDelegateChanged", lg.Data); err != nil {
					return nil, fmt.Errorf("erc1056: decode delegate change: %w", err)
				}
				out = append(out, ev)
				prev = ev.PreviousChange
			case events[2]:
				var ev attributeChange
				if err := r.abi.UnpackIntoInterface(&ev, "DIDAttributeChanged", lg.Data); err != nil {
					return nil, fmt.Errorf("erc1056: decode attribute change: %w", err)
				}
				prev = ev.PreviousChange
			}
			if prev != nil && prev.Cmp(block) < 0 && prev.Cmp(next) > 0 {
				next = prev
			}
		}
		block = next
	}
	return out, nil
}

// ABI exposes the parsed contract ABI (used by tests to encode fixtures).
func ABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(registryABI))
}
