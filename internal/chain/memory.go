package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

// MemoryReader implements Reader from in-memory fixtures. Tests feed it
// deposit totals and dispute records directly.
type MemoryReader struct {
	mu         sync.Mutex
	registries map[uint64]*definitions.Registry
	deposits   map[string][2]*big.Int // chainId|channel|asset -> {alice, bob}
	disputes   map[types.Hash]*types.ChannelDispute
	syncing    map[uint64]bool
}

// NewMemoryReader creates a reader that shares one registry across all
// chains.
func NewMemoryReader(registry *definitions.Registry, chainIds ...uint64) *MemoryReader {
	registries := make(map[uint64]*definitions.Registry)
	for _, id := range chainIds {
		registries[id] = registry
	}
	return &MemoryReader{
		registries: registries,
		deposits:   make(map[string][2]*big.Int),
		disputes:   make(map[types.Hash]*types.ChannelDispute),
		syncing:    make(map[uint64]bool),
	}
}

func depositKey(chainId uint64, channelAddress types.Hash, assetId types.Address) string {
	return fmt.Sprintf("%d|%s|%s", chainId, channelAddress, assetId)
}

// SetDeposits sets cumulative (alice, bob) totals for one asset.
func (r *MemoryReader) SetDeposits(chainId uint64, channelAddress types.Hash, assetId types.Address, alice, bob *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deposits[depositKey(chainId, channelAddress, assetId)] = [2]*big.Int{
		new(big.Int).Set(alice), new(big.Int).Set(bob),
	}
}

// AddDeposit increments a cumulative total (alice when isAlice).
func (r *MemoryReader) AddDeposit(chainId uint64, channelAddress types.Hash, assetId types.Address, amount *big.Int, isAlice bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := depositKey(chainId, channelAddress, assetId)
	totals, ok := r.deposits[key]
	if !ok {
		totals = [2]*big.Int{new(big.Int), new(big.Int)}
	}
	idx := 1
	if isAlice {
		idx = 0
	}
	totals[idx] = new(big.Int).Add(totals[idx], amount)
	r.deposits[key] = totals
}

// SetDispute records a dispute fixture.
func (r *MemoryReader) SetDispute(channelAddress types.Hash, dispute *types.ChannelDispute) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disputes[channelAddress] = dispute
}

// SetSyncing flags a chain as syncing.
func (r *MemoryReader) SetSyncing(chainId uint64, syncing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncing[chainId] = syncing
}

// GetChannelAddress implements Reader.
func (r *MemoryReader) GetChannelAddress(alice, bob types.Address, chainId uint64, factory types.Address) (types.Hash, error) {
	return ChannelAddress(alice, bob, chainId, factory), nil
}

// Definitions implements Reader.
func (r *MemoryReader) Definitions(chainId uint64) (*definitions.Registry, error) {
	registry, ok := r.registries[chainId]
	if !ok {
		return nil, types.NewError(types.KindExternal, "no definitions registered for chain")
	}
	return registry, nil
}

// GetRegisteredTransfers implements Reader.
func (r *MemoryReader) GetRegisteredTransfers(_ context.Context, chainId uint64) ([]definitions.Info, error) {
	registry, err := r.Definitions(chainId)
	if err != nil {
		return nil, err
	}
	return registry.Infos(), nil
}

// LatestDepositByAssetId implements Reader.
func (r *MemoryReader) LatestDepositByAssetId(_ context.Context, chainId uint64, channelAddress types.Hash, assetId types.Address) (*big.Int, *big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	totals, ok := r.deposits[depositKey(chainId, channelAddress, assetId)]
	if !ok {
		return new(big.Int), new(big.Int), nil
	}
	return new(big.Int).Set(totals[0]), new(big.Int).Set(totals[1]), nil
}

// GetChannelDispute implements Reader.
func (r *MemoryReader) GetChannelDispute(_ context.Context, _ uint64, channelAddress types.Hash) (*types.ChannelDispute, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disputes[channelAddress], nil
}

// GetSyncing implements Reader.
func (r *MemoryReader) GetSyncing(_ context.Context, chainId uint64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.syncing[chainId], nil
}

// Resolve implements Reader.
func (r *MemoryReader) Resolve(_ context.Context, chainId uint64, definition types.Address, state, resolver json.RawMessage, balance types.Balance) (types.Balance, error) {
	registry, err := r.Definitions(chainId)
	if err != nil {
		return types.Balance{}, err
	}
	return resolveWithRegistry(registry, definition, state, resolver, balance)
}
