package definitions

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/TomAFrench/vector/pkg/types"
)

// HashlockName is the registry name of the hashlock definition.
const HashlockName = "HashlockTransfer"

// HashlockState is the initial state of a hashlock transfer: funds move
// to the responder when a preimage hashing to LockHash is revealed.
type HashlockState struct {
	LockHash types.Hash `json:"lockHash"`
	// Expiry is the on-chain timestamp after which only cancellation is
	// accepted by the adjudicator; zero disables it. Off-chain resolution
	// leaves its enforcement to the chain.
	Expiry uint64 `json:"expiry"`
}

// HashlockResolver reveals the preimage. The all-zero preimage is the
// canonical cancel: it returns funds to the initiator.
type HashlockResolver struct {
	PreImage types.Hash `json:"preImage"`
}

var hashlockStateArgs = abi.Arguments{
	{Type: mustType("bytes32")},
	{Type: mustType("uint256")},
}

// Hashlock implements Definition for preimage-locked payments.
type Hashlock struct{}

// Name implements Definition.
func (Hashlock) Name() string { return HashlockName }

// StateEncoding implements Definition.
func (Hashlock) StateEncoding() string { return "tuple(bytes32 lockHash, uint256 expiry)" }

// ResolverEncoding implements Definition.
func (Hashlock) ResolverEncoding() string { return "tuple(bytes32 preImage)" }

// RequiresEncryptedSecret implements Definition: routed hashlock payments
// carry the preimage encrypted to the recipient.
func (Hashlock) RequiresEncryptedSecret() bool { return true }

// EncodeState implements Definition.
func (Hashlock) EncodeState(state json.RawMessage) ([]byte, error) {
	var s HashlockState
	if err := json.Unmarshal(state, &s); err != nil {
		return nil, fmt.Errorf("decode hashlock state: %w", err)
	}
	var lockHash [32]byte = s.LockHash
	encoded, err := hashlockStateArgs.Pack(lockHash, new(big.Int).SetUint64(s.Expiry))
	if err != nil {
		return nil, fmt.Errorf("encode hashlock state: %w", err)
	}
	return encoded, nil
}

// ValidateCreate implements Definition.
func (Hashlock) ValidateCreate(state json.RawMessage, balance types.Balance) error {
	var s HashlockState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("decode hashlock state: %w", err)
	}
	if s.LockHash.IsZero() {
		return fmt.Errorf("hashlock state missing lockHash")
	}
	if balance.Amount[0] == nil || balance.Amount[0].Sign() <= 0 {
		return fmt.Errorf("hashlock transfer requires a positive initiator amount")
	}
	if balance.Amount[1] != nil && balance.Amount[1].Sign() != 0 {
		return fmt.Errorf("hashlock responder amount must start at zero")
	}
	return nil
}

// Resolve implements Definition. A preimage hashing to the lock shifts
// the full amount to the responder; the zero preimage cancels.
func (Hashlock) Resolve(state, resolver json.RawMessage, balance types.Balance) (types.Balance, error) {
	var s HashlockState
	if err := json.Unmarshal(state, &s); err != nil {
		return types.Balance{}, fmt.Errorf("decode hashlock state: %w", err)
	}
	var r HashlockResolver
	if err := json.Unmarshal(resolver, &r); err != nil {
		return types.Balance{}, fmt.Errorf("decode hashlock resolver: %w", err)
	}

	out := balance.Clone()
	if r.PreImage.IsZero() {
		// Cancelled: balance stays with the initiator.
		return out, nil
	}

	digest := sha256.Sum256(r.PreImage[:])
	if common.Hash(digest) != common.Hash(s.LockHash) {
		return types.Balance{}, fmt.Errorf("preimage does not match lock hash")
	}

	out.Amount[1] = new(big.Int).Add(out.Amount[1], out.Amount[0])
	out.Amount[0] = new(big.Int)
	return out, nil
}

// CancelResolver implements Definition.
func (Hashlock) CancelResolver() json.RawMessage {
	raw, _ := json.Marshal(HashlockResolver{})
	return raw
}
