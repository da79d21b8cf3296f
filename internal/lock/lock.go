// Package lock provides named mutual exclusion for channel addresses.
// The update protocol holds a channel's lock across every
// read-modify-write of its nonce; across processes a distributed
// implementation of Service is authoritative, in-process MemoryService
// is sufficient for a single node and for tests.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/TomAFrench/vector/pkg/types"
)

const (
	// AcquireTimeout bounds how long a leader waits for a busy channel.
	AcquireTimeout = 30 * time.Second

	// HoldTTL expires a held lock so a crashed holder cannot deadlock
	// the channel forever.
	HoldTTL = 45 * time.Second
)

// Service is the distributed lock contract. Keys returned by
// AcquireLock are opaque; release requires the matching key.
type Service interface {
	AcquireLock(ctx context.Context, name string, isAlice bool, counterparty types.PublicIdentifier) (string, error)
	ReleaseLock(ctx context.Context, name, key string, isAlice bool, counterparty types.PublicIdentifier) error
}

type entry struct {
	key     string
	expires time.Time
	freed   chan struct{}
}

// MemoryService implements Service in-process with TTL expiry.
type MemoryService struct {
	mu    sync.Mutex
	held  map[string]*entry
	ttl   time.Duration
	limit time.Duration
}

// NewMemoryService creates a lock service with default timeouts.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		held:  make(map[string]*entry),
		ttl:   HoldTTL,
		limit: AcquireTimeout,
	}
}

// AcquireLock blocks until the named lock is free (or expired), then
// takes it and returns the release key.
func (s *MemoryService) AcquireLock(ctx context.Context, name string, _ bool, _ types.PublicIdentifier) (string, error) {
	deadline := time.Now().Add(s.limit)
	for {
		s.mu.Lock()
		current, ok := s.held[name]
		if !ok || time.Now().After(current.expires) {
			if ok {
				close(current.freed)
			}
			key := randomKey()
			s.held[name] = &entry{key: key, expires: time.Now().Add(s.ttl), freed: make(chan struct{})}
			s.mu.Unlock()
			return key, nil
		}
		waitCh := current.freed
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", types.NewError(types.KindTimeout, fmt.Sprintf("lock %s acquire timed out", name))
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", types.WrapError(ctx.Err(), "lock acquire cancelled", "name", name)
		case <-waitCh:
			timer.Stop()
		case <-timer.C:
			return "", types.NewError(types.KindTimeout, fmt.Sprintf("lock %s acquire timed out", name))
		}
	}
}

// ReleaseLock frees the named lock. Releasing with a stale key is an
// error; releasing an expired lock is a no-op.
func (s *MemoryService) ReleaseLock(_ context.Context, name, key string, _ bool, _ types.PublicIdentifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.held[name]
	if !ok {
		return nil
	}
	if current.key != key {
		if time.Now().After(current.expires) {
			return nil
		}
		return fmt.Errorf("lock %s held under a different key", name)
	}
	delete(s.held, name)
	close(current.freed)
	return nil
}

func randomKey() string {
	var buf [16]byte
	rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
