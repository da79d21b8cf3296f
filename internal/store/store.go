// Package store persists channels, transfers, queued router updates, and
// dispute records on a key-value DB.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TomAFrench/vector/internal/storage"
	"github.com/TomAFrench/vector/pkg/crypto"
	"github.com/TomAFrench/vector/pkg/types"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// DB key prefixes.
var (
	prefixChannel    = []byte("c/")  // c/<channelAddress(32)> -> ChannelState JSON
	prefixChannelIdx = []byte("ci/") // ci/<aliceId>|<bobId>|<chainId(8)> -> channelAddress(32)
	prefixTransfer   = []byte("t/")  // t/<transferId(32)> -> TransferState JSON
	prefixActive     = []byte("ta/") // ta/<channelAddress(32)><transferId(32)> -> nil
	prefixRouting    = []byte("tr/") // tr/<routingId>|<transferId(32)> -> nil
	prefixQueue      = []byte("q/")  // q/<channelAddress(32)><seq(8)> -> QueuedUpdate JSON
	prefixDispute    = []byte("d/")  // d/<channelAddress(32)> -> ChannelDispute JSON
)

// Store is the typed persistence layer. The backing DB must support
// atomic batches: a channel state and its transfer delta land in one
// commit or not at all.
type Store struct {
	db      storage.DB
	batcher storage.Batcher

	// mu serializes queue mutations so status transitions are CAS.
	mu  sync.Mutex
	seq uint64
}

// New creates a store on db. Fails if db cannot batch atomically.
func New(db storage.DB) (*Store, error) {
	batcher, ok := db.(storage.Batcher)
	if !ok {
		return nil, fmt.Errorf("store requires a batching DB, got %T", db)
	}
	s := &Store{db: db, batcher: batcher}
	if err := s.loadQueueSeq(); err != nil {
		return nil, fmt.Errorf("load queue sequence: %w", err)
	}
	return s, nil
}

func (s *Store) loadQueueSeq() error {
	return s.db.ForEach(prefixQueue, func(key, _ []byte) error {
		if len(key) < len(prefixQueue)+types.HashSize+8 {
			return nil
		}
		seq := binary.BigEndian.Uint64(key[len(key)-8:])
		if seq > s.seq {
			s.seq = seq
		}
		return nil
	})
}

// ── Channels ────────────────────────────────────────────────────────────

func channelKey(addr types.Hash) []byte {
	return append(append([]byte{}, prefixChannel...), addr[:]...)
}

func channelIdxKey(alice, bob types.PublicIdentifier, chainId uint64) []byte {
	var chain [8]byte
	binary.BigEndian.PutUint64(chain[:], chainId)
	key := append([]byte{}, prefixChannelIdx...)
	key = append(key, alice...)
	key = append(key, '|')
	key = append(key, bob...)
	key = append(key, '|')
	return append(key, chain[:]...)
}

// GetChannelState loads a channel by address.
func (s *Store) GetChannelState(addr types.Hash) (*types.ChannelState, error) {
	data, err := s.db.Get(channelKey(addr))
	if err != nil {
		return nil, ErrNotFound
	}
	var channel types.ChannelState
	if err := json.Unmarshal(data, &channel); err != nil {
		return nil, fmt.Errorf("channel unmarshal: %w", err)
	}
	return &channel, nil
}

// GetChannelStateByParticipants loads a channel by its peers and chain.
// Participant order does not matter.
func (s *Store) GetChannelStateByParticipants(a, b types.PublicIdentifier, chainId uint64) (*types.ChannelState, error) {
	for _, key := range [][]byte{channelIdxKey(a, b, chainId), channelIdxKey(b, a, chainId)} {
		data, err := s.db.Get(key)
		if err != nil {
			continue
		}
		var addr types.Hash
		copy(addr[:], data)
		return s.GetChannelState(addr)
	}
	return nil, ErrNotFound
}

// GetChannelStates lists every stored channel.
func (s *Store) GetChannelStates() ([]*types.ChannelState, error) {
	var channels []*types.ChannelState
	err := s.db.ForEach(prefixChannel, func(_, value []byte) error {
		var channel types.ChannelState
		if err := json.Unmarshal(value, &channel); err != nil {
			return nil // Skip corrupt entries.
		}
		channels = append(channels, &channel)
		return nil
	})
	return channels, err
}

// SaveChannelState persists a channel plus an optional transfer delta in
// one atomic commit. A created transfer joins the active set; a resolved
// one leaves it.
func (s *Store) SaveChannelState(channel *types.ChannelState, transfer *types.TransferState) error {
	batch := s.batcher.NewBatch()
	if err := s.stageChannel(batch, channel); err != nil {
		return err
	}
	if transfer != nil {
		if err := s.stageTransfer(batch, transfer); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("save channel %s: %w", channel.ChannelAddress, err)
	}
	return nil
}

// SaveChannelStateAndTransfers atomically replaces a channel's state and
// entire active-transfer set. Used by the restore procedure.
func (s *Store) SaveChannelStateAndTransfers(channel *types.ChannelState, transfers []*types.TransferState) error {
	// Collect the current active set so stale entries are cleared.
	existing, err := s.activeTransferIds(channel.ChannelAddress)
	if err != nil {
		return err
	}

	batch := s.batcher.NewBatch()
	if err := s.stageChannel(batch, channel); err != nil {
		return err
	}
	for _, id := range existing {
		batch.Delete(activeKey(channel.ChannelAddress, id))
	}
	for _, transfer := range transfers {
		if err := s.stageTransfer(batch, transfer); err != nil {
			return err
		}
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("restore channel %s: %w", channel.ChannelAddress, err)
	}
	return nil
}

func (s *Store) stageChannel(batch storage.Batch, channel *types.ChannelState) error {
	data, err := json.Marshal(channel)
	if err != nil {
		return fmt.Errorf("channel marshal: %w", err)
	}
	batch.Put(channelKey(channel.ChannelAddress), data)
	batch.Put(
		channelIdxKey(channel.AliceIdentifier, channel.BobIdentifier, channel.ChainId),
		channel.ChannelAddress.Bytes(),
	)
	return nil
}

// ── Transfers ───────────────────────────────────────────────────────────

func transferKey(id types.Hash) []byte {
	return append(append([]byte{}, prefixTransfer...), id[:]...)
}

func activeKey(channel, id types.Hash) []byte {
	key := append([]byte{}, prefixActive...)
	key = append(key, channel[:]...)
	return append(key, id[:]...)
}

func routingKey(routingId string, id types.Hash) []byte {
	key := append([]byte{}, prefixRouting...)
	key = append(key, routingId...)
	key = append(key, '|')
	return append(key, id[:]...)
}

func (s *Store) stageTransfer(batch storage.Batch, transfer *types.TransferState) error {
	data, err := json.Marshal(transfer)
	if err != nil {
		return fmt.Errorf("transfer marshal: %w", err)
	}
	batch.Put(transferKey(transfer.TransferId), data)
	if transfer.Resolved() {
		batch.Delete(activeKey(transfer.ChannelAddress, transfer.TransferId))
	} else {
		batch.Put(activeKey(transfer.ChannelAddress, transfer.TransferId), []byte{1})
	}
	if rm, err := types.RoutingMetaFromMap(transfer.Meta); err == nil {
		batch.Put(routingKey(rm.RoutingId, transfer.TransferId), []byte{1})
	}
	return nil
}

// GetTransferState loads a transfer by id.
func (s *Store) GetTransferState(id types.Hash) (*types.TransferState, error) {
	data, err := s.db.Get(transferKey(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var transfer types.TransferState
	if err := json.Unmarshal(data, &transfer); err != nil {
		return nil, fmt.Errorf("transfer unmarshal: %w", err)
	}
	return &transfer, nil
}

func (s *Store) activeTransferIds(channel types.Hash) ([]types.Hash, error) {
	prefix := append(append([]byte{}, prefixActive...), channel[:]...)
	var ids []types.Hash
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) < len(prefix)+types.HashSize {
			return nil
		}
		var id types.Hash
		copy(id[:], key[len(prefix):])
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// GetActiveTransfers lists a channel's unresolved transfers ordered by
// creation nonce.
func (s *Store) GetActiveTransfers(channel types.Hash) ([]*types.TransferState, error) {
	ids, err := s.activeTransferIds(channel)
	if err != nil {
		return nil, err
	}
	transfers := make([]*types.TransferState, 0, len(ids))
	for _, id := range ids {
		transfer, err := s.GetTransferState(id)
		if err != nil {
			return nil, fmt.Errorf("active transfer %s: %w", id, err)
		}
		transfers = append(transfers, transfer)
	}
	sort.Slice(transfers, func(i, j int) bool {
		return transfers[i].ChannelNonce < transfers[j].ChannelNonce
	})
	return transfers, nil
}

// GetTransfersByRoutingId returns the sender- and recipient-side
// transfers of a routed payment.
func (s *Store) GetTransfersByRoutingId(routingId string) ([]*types.TransferState, error) {
	prefix := append(append([]byte{}, prefixRouting...), routingId...)
	prefix = append(prefix, '|')
	var transfers []*types.TransferState
	err := s.db.ForEach(prefix, func(key, _ []byte) error {
		if len(key) < len(prefix)+types.HashSize {
			return nil
		}
		var id types.Hash
		copy(id[:], key[len(prefix):])
		transfer, err := s.GetTransferState(id)
		if err != nil {
			return nil
		}
		transfers = append(transfers, transfer)
		return nil
	})
	return transfers, err
}

// ── Queued updates ──────────────────────────────────────────────────────

func queueKey(channel types.Hash, seq uint64) []byte {
	key := append([]byte{}, prefixQueue...)
	key = append(key, channel[:]...)
	var s8 [8]byte
	binary.BigEndian.PutUint64(s8[:], seq)
	return append(key, s8[:]...)
}

// QueueUpdate persists a new PENDING router update for later drain.
func (s *Store) QueueUpdate(channel types.Hash, typ types.QueuedUpdateType, payload any) (*types.QueuedUpdate, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("queue payload marshal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	update := &types.QueuedUpdate{
		ID:             crypto.ContentId(append(raw, queueKey(channel, s.seq)...)),
		ChannelAddress: channel,
		Type:           typ,
		Payload:        raw,
		Status:         types.QueuedStatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(update)
	if err != nil {
		return nil, fmt.Errorf("queue row marshal: %w", err)
	}
	if err := s.db.Put(queueKey(channel, s.seq), data); err != nil {
		return nil, fmt.Errorf("queue update: %w", err)
	}
	return update, nil
}

// GetQueuedUpdates lists a channel's queued updates with the given
// status in insertion order.
func (s *Store) GetQueuedUpdates(channel types.Hash, status types.QueuedUpdateStatus) ([]*types.QueuedUpdate, error) {
	prefix := append(append([]byte{}, prefixQueue...), channel[:]...)
	type row struct {
		seq    uint64
		update *types.QueuedUpdate
	}
	var rows []row
	err := s.db.ForEach(prefix, func(key, value []byte) error {
		if len(key) < len(prefix)+8 {
			return nil
		}
		var update types.QueuedUpdate
		if err := json.Unmarshal(value, &update); err != nil {
			return nil
		}
		if update.Status != status {
			return nil
		}
		rows = append(rows, row{binary.BigEndian.Uint64(key[len(key)-8:]), &update})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	updates := make([]*types.QueuedUpdate, len(rows))
	for i, r := range rows {
		updates[i] = r.update
	}
	return updates, nil
}

// CASUpdateStatus transitions a queued update from one status to another.
// Returns false when the row is no longer in the expected status, so
// concurrent drains claim each row at most once.
func (s *Store) CASUpdateStatus(id string, from, to types.QueuedUpdateStatus, failureReason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, update, err := s.findQueued(id)
	if err != nil {
		return false, err
	}
	if update.Status != from {
		return false, nil
	}
	update.Status = to
	update.LastFailureReason = failureReason
	data, err := json.Marshal(update)
	if err != nil {
		return false, fmt.Errorf("queue row marshal: %w", err)
	}
	if err := s.db.Put(key, data); err != nil {
		return false, fmt.Errorf("queue status write: %w", err)
	}
	return true, nil
}

// SetUpdateStatus unconditionally sets a queued update's status.
func (s *Store) SetUpdateStatus(id string, status types.QueuedUpdateStatus, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, update, err := s.findQueued(id)
	if err != nil {
		return err
	}
	update.Status = status
	update.LastFailureReason = failureReason
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("queue row marshal: %w", err)
	}
	return s.db.Put(key, data)
}

func (s *Store) findQueued(id string) ([]byte, *types.QueuedUpdate, error) {
	var foundKey []byte
	var found *types.QueuedUpdate
	stop := errors.New("stop")
	err := s.db.ForEach(prefixQueue, func(key, value []byte) error {
		var update types.QueuedUpdate
		if err := json.Unmarshal(value, &update); err != nil {
			return nil
		}
		if update.ID != id {
			return nil
		}
		foundKey = append([]byte{}, key...)
		found = &update
		return stop
	})
	if err != nil && !errors.Is(err, stop) {
		return nil, nil, err
	}
	if found == nil {
		return nil, nil, ErrNotFound
	}
	return foundKey, found, nil
}

// ── Disputes ────────────────────────────────────────────────────────────

func disputeKey(channel types.Hash) []byte {
	return append(append([]byte{}, prefixDispute...), channel[:]...)
}

// SaveChannelDispute records a dispute and flags the channel.
func (s *Store) SaveChannelDispute(channel *types.ChannelState, dispute *types.ChannelDispute) error {
	data, err := json.Marshal(dispute)
	if err != nil {
		return fmt.Errorf("dispute marshal: %w", err)
	}
	batch := s.batcher.NewBatch()
	batch.Put(disputeKey(channel.ChannelAddress), data)
	channel.InDispute = true
	if err := s.stageChannel(batch, channel); err != nil {
		return err
	}
	if err := batch.Commit(); err != nil {
		return fmt.Errorf("save dispute %s: %w", channel.ChannelAddress, err)
	}
	return nil
}

// GetChannelDispute loads the dispute record for a channel.
func (s *Store) GetChannelDispute(channel types.Hash) (*types.ChannelDispute, error) {
	data, err := s.db.Get(disputeKey(channel))
	if err != nil {
		return nil, ErrNotFound
	}
	var dispute types.ChannelDispute
	if err := json.Unmarshal(data, &dispute); err != nil {
		return nil, fmt.Errorf("dispute unmarshal: %w", err)
	}
	return &dispute, nil
}
