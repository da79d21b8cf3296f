package chain

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/TomAFrench/vector/pkg/definitions"
	"github.com/TomAFrench/vector/pkg/types"
)

func addr(seed byte) types.Address {
	var a types.Address
	a[0] = seed
	return a
}

func TestChannelAddress_Deterministic(t *testing.T) {
	alice, bob, factory := addr(1), addr(2), addr(3)

	a1 := ChannelAddress(alice, bob, 1, factory)
	a2 := ChannelAddress(alice, bob, 1, factory)
	if a1 != a2 {
		t.Error("derivation not deterministic")
	}
	if a1 == ChannelAddress(bob, alice, 1, factory) {
		t.Error("derivation must depend on participant order")
	}
	if a1 == ChannelAddress(alice, bob, 137, factory) {
		t.Error("derivation must depend on chain id")
	}
	if a1 == ChannelAddress(alice, bob, 1, addr(4)) {
		t.Error("derivation must depend on factory")
	}
	if a1.IsZero() {
		t.Error("derived address is zero")
	}
}

func newTestRegistry(t *testing.T) (*definitions.Registry, types.Address) {
	t.Helper()
	registry := definitions.NewRegistry()
	hashlockAddr := addr(0x11)
	if err := registry.Register(hashlockAddr, definitions.Hashlock{}); err != nil {
		t.Fatal(err)
	}
	return registry, hashlockAddr
}

func TestMemoryReader_Deposits(t *testing.T) {
	registry, _ := newTestRegistry(t)
	reader := NewMemoryReader(registry, 1)
	channel := ChannelAddress(addr(1), addr(2), 1, addr(3))
	asset := addr(0)

	alice, bob, err := reader.LatestDepositByAssetId(context.Background(), 1, channel, asset)
	if err != nil {
		t.Fatal(err)
	}
	if alice.Sign() != 0 || bob.Sign() != 0 {
		t.Error("unseen channel should report zero deposits")
	}

	reader.AddDeposit(1, channel, asset, big.NewInt(5), true)
	reader.AddDeposit(1, channel, asset, big.NewInt(3), false)
	reader.AddDeposit(1, channel, asset, big.NewInt(2), true)

	alice, bob, err = reader.LatestDepositByAssetId(context.Background(), 1, channel, asset)
	if err != nil {
		t.Fatal(err)
	}
	if alice.Int64() != 7 || bob.Int64() != 3 {
		t.Errorf("totals = %s/%s, want 7/3", alice, bob)
	}
}

func TestMemoryReader_Resolve(t *testing.T) {
	registry, hashlockAddr := newTestRegistry(t)
	reader := NewMemoryReader(registry, 1)

	var preImage types.Hash
	preImage[0] = 0x55
	lock := sha256.Sum256(preImage[:])
	state, _ := json.Marshal(definitions.HashlockState{LockHash: types.Hash(lock)})
	resolver, _ := json.Marshal(definitions.HashlockResolver{PreImage: preImage})

	balance := types.Balance{
		To:     [2]types.Address{addr(1), addr(2)},
		Amount: [2]*big.Int{big.NewInt(40), new(big.Int)},
	}
	resolved, err := reader.Resolve(context.Background(), 1, hashlockAddr, state, resolver, balance)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Amount[1].Int64() != 40 {
		t.Errorf("responder amount = %s, want 40", resolved.Amount[1])
	}

	// Unregistered definition is an InvalidTransferType failure.
	if _, err := reader.Resolve(context.Background(), 1, addr(0x99), state, resolver, balance); err == nil {
		t.Error("unregistered definition should fail")
	} else if types.KindOf(err) != types.KindInvalidTransferType {
		t.Errorf("kind = %s, want InvalidTransferType", types.KindOf(err))
	}
}

func TestMemoryReader_Dispute(t *testing.T) {
	registry, _ := newTestRegistry(t)
	reader := NewMemoryReader(registry, 1)
	channel := ChannelAddress(addr(1), addr(2), 1, addr(3))

	dispute, err := reader.GetChannelDispute(context.Background(), 1, channel)
	if err != nil {
		t.Fatal(err)
	}
	if dispute != nil {
		t.Error("no dispute expected")
	}

	reader.SetDispute(channel, &types.ChannelDispute{ChannelAddress: channel, Nonce: 9})
	dispute, err = reader.GetChannelDispute(context.Background(), 1, channel)
	if err != nil {
		t.Fatal(err)
	}
	if dispute == nil || dispute.Nonce != 9 {
		t.Errorf("dispute = %+v", dispute)
	}
}

func TestMemoryReader_UnknownChain(t *testing.T) {
	registry, _ := newTestRegistry(t)
	reader := NewMemoryReader(registry, 1)
	if _, err := reader.Definitions(999); err == nil {
		t.Error("unknown chain should fail")
	}
}
