// Package lock provides the advisory processing lock that keeps concurrent
// channels from reconciling the same order at once. The lock is advisory:
// it narrows the race window but callers must not rely on it for
// correctness.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix is prepended to the order key or id to form the lock key.
const KeyPrefix = "processing_"

// DefaultTTL bounds how long a crashed holder can block an order.
const DefaultTTL = 60 * time.Second

// Key returns the lock key for an order key or id.
func Key(orderRef interface{}) string {
	return fmt.Sprintf("%s%v", KeyPrefix, orderRef)
}

// Manager is an advisory TTL lock.
type Manager interface {
	// TryLock sets the flag for key unless it is already set and reports
	// whether this caller set it. On success holder identifies this
	// acquisition for Unlock.
	TryLock(ctx context.Context, key string) (holder string, ok bool, err error)
	// IsLocked reports whether an unexpired flag is set for key.
	IsLocked(ctx context.Context, key string) (bool, error)
	// Unlock clears the flag if holder still owns it. Clearing an absent or
	// re-acquired flag is not an error.
	Unlock(ctx context.Context, key, holder string) error
}

type entry struct {
	holder  string
	expires time.Time
}

// Memory is an in-process Manager with per-entry expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory returns a Memory manager whose entries expire after ttl.
// A non-positive ttl selects DefaultTTL.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) TryLock(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	holder := uuid.NewString()
	m.entries[key] = entry{holder: holder, expires: now.Add(m.ttl)}
	return holder, true, nil
}

func (m *Memory) IsLocked(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.holder == holder {
		delete(m.entries, key)
	}
	return nil
}

// Sweep removes expired entries and returns how many it removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Run sweeps expired entries every interval until ctx is done.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
