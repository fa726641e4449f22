package cache

import (
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned by a KV when a write would exceed its
// storage budget. The Store reacts by evicting, never by surfacing the
// error to callers.
var ErrQuotaExceeded = errors.New("cache: quota exceeded")

// Stats describes the current size of a KV.
type Stats struct {
	Entries int
	Bytes   int64
}

// EntryInfo identifies a stored entry for eviction ordering.
type EntryInfo struct {
	Key       string
	WrittenAt int64
	Bytes     int64
}

// KV is the durable key/value medium under the persisted cache store.
// Implementations: SQLite (production) and Memory (tests). The cache is
// best-effort; implementations may lose data but must never corrupt a
// read into a partial payload.
type KV interface {
	// Get returns the payload and write timestamp for key, ok=false if absent.
	Get(key string) (payload []byte, writtenAt int64, ok bool, err error)
	// Set stores payload under key with the given write timestamp,
	// replacing any existing entry.
	Set(key string, payload []byte, writtenAt int64) error
	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error
	// Entries lists all entries, unordered.
	Entries() ([]EntryInfo, error)
	// Stats returns entry count and total payload bytes.
	Stats() (Stats, error)
}

// Memory is an in-memory KV for tests. MaxBytes, when positive, makes
// Set fail with ErrQuotaExceeded once total payload size would pass the
// limit, mimicking a full browser-style storage quota.
type Memory struct {
	mu       sync.RWMutex
	entries  map[string]memEntry
	MaxBytes int64
}

type memEntry struct {
	payload   []byte
	writtenAt int64
}

// NewMemory creates an empty in-memory KV with no quota.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry)}
}

func (m *Memory) Get(key string) ([]byte, int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, 0, false, nil
	}
	return e.payload, e.writtenAt, true, nil
}

func (m *Memory) Set(key string, payload []byte, writtenAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.MaxBytes > 0 {
		total := int64(len(payload))
		for k, e := range m.entries {
			if k == key {
				continue
			}
			total += int64(len(e.payload))
		}
		if total > m.MaxBytes {
			return ErrQuotaExceeded
		}
	}
	m.entries[key] = memEntry{payload: payload, writtenAt: writtenAt}
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Entries() ([]EntryInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EntryInfo, 0, len(m.entries))
	for k, e := range m.entries {
		out = append(out, EntryInfo{Key: k, WrittenAt: e.writtenAt, Bytes: int64(len(e.payload))})
	}
	return out, nil
}

func (m *Memory) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, e := range m.entries {
		s.Entries++
		s.Bytes += int64(len(e.payload))
	}
	return s, nil
}
