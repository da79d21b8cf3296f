// Package chain reads the on-chain anchoring of channels: deterministic
// address derivation, deposit totals, dispute records, and the registry
// of transfer definitions. Definition create/resolve semantics execute
// in-process; the chain is only consulted for state it owns.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

// Reader is the chain access contract consumed by the engine and router.
type Reader interface {
	// GetChannelAddress derives the deterministic channel address.
	GetChannelAddress(alice, bob types.Address, chainId uint64, factory types.Address) (types.Hash, error)

	// GetRegisteredTransfers lists the transfer definitions registered
	// for a chain.
	GetRegisteredTransfers(ctx context.Context, chainId uint64) ([]definitions.Info, error)

	// Definitions returns the definition registry for a chain.
	Definitions(chainId uint64) (*definitions.Registry, error)

	// LatestDepositByAssetId returns the cumulative on-chain deposit
	// totals (alice, bob) for one asset of a channel.
	LatestDepositByAssetId(ctx context.Context, chainId uint64, channelAddress types.Hash, assetId types.Address) (*big.Int, *big.Int, error)

	// GetChannelDispute returns the dispute record for a channel, or nil.
	GetChannelDispute(ctx context.Context, chainId uint64, channelAddress types.Hash) (*types.ChannelDispute, error)

	// GetSyncing reports whether the chain provider is still syncing.
	GetSyncing(ctx context.Context, chainId uint64) (bool, error)

	// Resolve computes the post-resolve balance for a transfer by running
	// its definition's resolve semantics. Pure.
	Resolve(ctx context.Context, chainId uint64, definition types.Address, state, resolver json.RawMessage, balance types.Balance) (types.Balance, error)
}

// resolveWithRegistry is shared by both reader implementations.
func resolveWithRegistry(registry *definitions.Registry, definition types.Address, state, resolver json.RawMessage, balance types.Balance) (types.Balance, error) {
	def, ok := registry.ByAddress(definition)
	if !ok {
		return types.Balance{}, types.NewError(types.KindInvalidTransferType,
			fmt.Sprintf("no definition registered at %s", definition))
	}
	return def.Resolve(state, resolver, balance)
}
