package store

import (
	"math/big"
	"testing"

	"github.com/TomAFrench/vector/internal/storage"
	"github.com/TomAFrench/vector/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func testChannel(seed byte) *types.ChannelState {
	var addr types.Hash
	addr[0] = seed
	var alice, bob types.Address
	alice[0] = 1
	bob[0] = 2
	return &types.ChannelState{
		ChannelAddress:  addr,
		AliceIdentifier: types.PublicIdentifier("vec1alice"),
		BobIdentifier:   types.PublicIdentifier("vec1bob"),
		Alice:           alice,
		Bob:             bob,
		ChainId:         1,
		Nonce:           1,
	}
}

func testTransfer(channel *types.ChannelState, seed byte, routingId string) *types.TransferState {
	var id types.Hash
	id[0] = seed
	transfer := &types.TransferState{
		TransferId:     id,
		ChannelAddress: channel.ChannelAddress,
		ChainId:        channel.ChainId,
		Initiator:      channel.Alice,
		Responder:      channel.Bob,
		Balance: types.Balance{
			To:     [2]types.Address{channel.Alice, channel.Bob},
			Amount: [2]*big.Int{big.NewInt(10), new(big.Int)},
		},
		ChannelNonce: uint64(seed),
	}
	if routingId != "" {
		transfer.Meta = map[string]any{
			"routingId": routingId,
			"path":      []any{map[string]any{"recipient": "vec1recipient"}},
		}
	}
	return transfer
}

func TestChannel_SaveLoad(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)

	if err := s.SaveChannelState(channel, nil); err != nil {
		t.Fatalf("SaveChannelState: %v", err)
	}

	loaded, err := s.GetChannelState(channel.ChannelAddress)
	if err != nil {
		t.Fatalf("GetChannelState: %v", err)
	}
	if loaded.ChannelAddress != channel.ChannelAddress || loaded.Nonce != 1 {
		t.Errorf("loaded = %+v", loaded)
	}

	byParts, err := s.GetChannelStateByParticipants("vec1bob", "vec1alice", 1)
	if err != nil {
		t.Fatalf("GetChannelStateByParticipants (reversed): %v", err)
	}
	if byParts.ChannelAddress != channel.ChannelAddress {
		t.Error("participant index lookup mismatch")
	}
}

func TestChannel_NotFound(t *testing.T) {
	s := newTestStore(t)
	var missing types.Hash
	missing[0] = 0xff
	if _, err := s.GetChannelState(missing); err == nil {
		t.Error("expected error for missing channel")
	}
	if _, err := s.GetChannelStateByParticipants("vec1x", "vec1y", 5); err == nil {
		t.Error("expected error for missing participant pair")
	}
}

func TestTransfer_ActiveSetLifecycle(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)
	transfer := testTransfer(channel, 3, "route-1")

	if err := s.SaveChannelState(channel, transfer); err != nil {
		t.Fatal(err)
	}
	active, err := s.GetActiveTransfers(channel.ChannelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].TransferId != transfer.TransferId {
		t.Fatalf("active = %+v", active)
	}

	// Resolving removes it from the active set but keeps the record.
	resolved := transfer.Clone()
	resolved.Resolver = []byte(`{"preImage":"0x01"}`)
	if err := s.SaveChannelState(channel, resolved); err != nil {
		t.Fatal(err)
	}
	active, err = s.GetActiveTransfers(channel.ChannelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("resolved transfer still active: %+v", active)
	}
	stored, err := s.GetTransferState(transfer.TransferId)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Resolved() {
		t.Error("stored transfer should be resolved")
	}
}

func TestTransfer_ActiveOrderedByNonce(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)

	for _, seed := range []byte{9, 3, 6} {
		if err := s.SaveChannelState(channel, testTransfer(channel, seed, "")); err != nil {
			t.Fatal(err)
		}
	}
	active, err := s.GetActiveTransfers(channel.ChannelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 3 {
		t.Fatalf("active count = %d", len(active))
	}
	for i := 1; i < len(active); i++ {
		if active[i-1].ChannelNonce > active[i].ChannelNonce {
			t.Error("active transfers not ordered by creation nonce")
		}
	}
}

func TestTransfer_RoutingIndex(t *testing.T) {
	s := newTestStore(t)
	channelA := testChannel(0xaa)
	channelB := testChannel(0xbb)

	if err := s.SaveChannelState(channelA, testTransfer(channelA, 1, "route-7")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(channelB, testTransfer(channelB, 2, "route-7")); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveChannelState(channelB, testTransfer(channelB, 3, "route-8")); err != nil {
		t.Fatal(err)
	}

	transfers, err := s.GetTransfersByRoutingId("route-7")
	if err != nil {
		t.Fatal(err)
	}
	if len(transfers) != 2 {
		t.Errorf("routing index returned %d transfers, want 2", len(transfers))
	}
}

func TestRestore_ReplacesActiveSet(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)
	old := testTransfer(channel, 1, "")
	if err := s.SaveChannelState(channel, old); err != nil {
		t.Fatal(err)
	}

	restored := testChannel(0xaa)
	restored.Nonce = 12
	replacement := testTransfer(restored, 5, "")
	if err := s.SaveChannelStateAndTransfers(restored, []*types.TransferState{replacement}); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActiveTransfers(channel.ChannelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].TransferId != replacement.TransferId {
		t.Errorf("active after restore = %+v", active)
	}
	loaded, _ := s.GetChannelState(channel.ChannelAddress)
	if loaded.Nonce != 12 {
		t.Errorf("nonce after restore = %d, want 12", loaded.Nonce)
	}
}

func TestQueue_InsertionOrderAndCAS(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)

	var ids []string
	for i := 0; i < 3; i++ {
		row, err := s.QueueUpdate(channel.ChannelAddress, types.QueuedTransferCreation, map[string]int{"i": i})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, row.ID)
	}

	pending, err := s.GetQueuedUpdates(channel.ChannelAddress, types.QueuedStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, row := range pending {
		if row.ID != ids[i] {
			t.Errorf("queue order violated at %d", i)
		}
	}

	// CAS claims exactly once.
	ok, err := s.CASUpdateStatus(ids[0], types.QueuedStatusPending, types.QueuedStatusProcessing, "")
	if err != nil || !ok {
		t.Fatalf("first CAS = %v, %v", ok, err)
	}
	ok, err = s.CASUpdateStatus(ids[0], types.QueuedStatusPending, types.QueuedStatusProcessing, "")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second CAS should fail")
	}

	if _, err := s.CASUpdateStatus(ids[0], types.QueuedStatusProcessing, types.QueuedStatusComplete, ""); err != nil {
		t.Fatal(err)
	}
	pending, _ = s.GetQueuedUpdates(channel.ChannelAddress, types.QueuedStatusPending)
	if len(pending) != 2 {
		t.Errorf("pending after claim = %d, want 2", len(pending))
	}
}

func TestQueue_SetStatusWithReason(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)
	row, err := s.QueueUpdate(channel.ChannelAddress, types.QueuedTransferResolution, map[string]string{"x": "y"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetUpdateStatus(row.ID, types.QueuedStatusFailed, "permanent failure"); err != nil {
		t.Fatal(err)
	}
	failed, err := s.GetQueuedUpdates(channel.ChannelAddress, types.QueuedStatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].LastFailureReason != "permanent failure" {
		t.Errorf("failed rows = %+v", failed)
	}
}

func TestDispute_SaveAndFlag(t *testing.T) {
	s := newTestStore(t)
	channel := testChannel(0xaa)
	if err := s.SaveChannelState(channel, nil); err != nil {
		t.Fatal(err)
	}

	dispute := &types.ChannelDispute{
		ChannelAddress: channel.ChannelAddress,
		Nonce:          4,
	}
	if err := s.SaveChannelDispute(channel, dispute); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.GetChannelDispute(channel.ChannelAddress)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Nonce != 4 {
		t.Errorf("dispute nonce = %d", loaded.Nonce)
	}
	reloaded, _ := s.GetChannelState(channel.ChannelAddress)
	if !reloaded.InDispute {
		t.Error("channel should be flagged inDispute")
	}
}
