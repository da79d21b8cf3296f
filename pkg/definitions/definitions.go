// Package definitions implements the registered transfer definitions the
// protocol can create and resolve. A definition is the off-chain mirror
// of the on-chain predicate contract: it validates initial state,
// canonically encodes it, and computes the post-resolve balance as a pure
// function of state and resolver.
package definitions

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/TomAFrench/vector/pkg/types"
)

// Definition is one registered transfer predicate.
type Definition interface {
	// Name is the registry name, e.g. "HashlockTransfer".
	Name() string

	// StateEncoding and ResolverEncoding describe the ABI tuple layouts.
	StateEncoding() string
	ResolverEncoding() string

	// EncodeState canonically ABI-encodes the definition-specific state.
	// Both peers must produce identical bytes for identical JSON state.
	EncodeState(state json.RawMessage) ([]byte, error)

	// ValidateCreate checks an initial state against the transfer balance.
	ValidateCreate(state json.RawMessage, balance types.Balance) error

	// Resolve computes the post-resolve balance. Pure: no chain access.
	Resolve(state json.RawMessage, resolver json.RawMessage, balance types.Balance) (types.Balance, error)

	// CancelResolver is the canonical zero-out resolver: resolving with it
	// returns the full balance to the initiator.
	CancelResolver() json.RawMessage

	// RequiresEncryptedSecret reports whether routed transfers of this
	// definition must carry the secret encrypted to the recipient.
	RequiresEncryptedSecret() bool
}

// Info is the registry row exposed over RPC and used by the builder to
// look definitions up by name.
type Info struct {
	Name             string        `json:"name"`
	Definition       types.Address `json:"definition"`
	StateEncoding    string        `json:"stateEncoding"`
	ResolverEncoding string        `json:"resolverEncoding"`
}

// Registry maps on-chain definition addresses to their off-chain
// implementations.
type Registry struct {
	mu    sync.RWMutex
	defs  map[types.Address]Definition
	names map[string]types.Address
	order []types.Address
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:  make(map[types.Address]Definition),
		names: make(map[string]types.Address),
	}
}

// Register binds a definition implementation to its contract address.
func (r *Registry) Register(addr types.Address, def Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[addr]; exists {
		return fmt.Errorf("definition at %s already registered", addr)
	}
	if _, exists := r.names[def.Name()]; exists {
		return fmt.Errorf("definition named %q already registered", def.Name())
	}
	r.defs[addr] = def
	r.names[def.Name()] = addr
	r.order = append(r.order, addr)
	return nil
}

// ByAddress returns the definition registered at addr.
func (r *Registry) ByAddress(addr types.Address) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[addr]
	return def, ok
}

// ByName returns the definition and its address for a registry name.
func (r *Registry) ByName(name string) (Definition, types.Address, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.names[name]
	if !ok {
		return nil, types.Address{}, false
	}
	return r.defs[addr], addr, true
}

// Infos lists the registered definitions in registration order.
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.order))
	for _, addr := range r.order {
		def := r.defs[addr]
		out = append(out, Info{
			Name:             def.Name(),
			Definition:       addr,
			StateEncoding:    def.StateEncoding(),
			ResolverEncoding: def.ResolverEncoding(),
		})
	}
	return out
}

// mustType builds an abi.Type or panics. Encodings are fixed at compile
// time, so a failure here is a programming error.
func mustType(t string, components ...abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("abi type %q: %v", t, err))
	}
	return typ
}

func gethAddress(a types.Address) common.Address {
	return common.BytesToAddress(a[:])
}
