package cache

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/quickdesk/chatsync/internal/model"
	"go.uber.org/zap"
)

// SchemaVersion tags every persisted entry. Entries written under an
// older schema are treated as absent and purged on read.
const SchemaVersion = "3"

// Key layout: one entry for the conversation list per user, one entry
// per conversation for its message page.
func ConversationsKey(userID string) string { return "conversations:" + userID }
func MessagesKey(conversationID string) string {
	return "messages:" + conversationID
}

// Entry wraps a cached payload with schema version and write timestamp.
type Entry struct {
	Version   string          `json:"version"`
	WrittenAt int64           `json:"written_at"`
	Data      json.RawMessage `json:"data"`
}

// Options configures a Store.
type Options struct {
	// TTL is the maximum entry age; older entries read as absent.
	TTL time.Duration
	// MaxBytes caps total payload size; exceeding it evicts the oldest
	// third of entries across the whole store.
	MaxBytes int64
	// MaxMessages caps retained messages per conversation, newest-biased.
	MaxMessages int
	// Logger is optional; nil means no logging.
	Logger *zap.Logger
}

// Store is the persisted cache store: versioned, TTL-bounded snapshots
// of conversation lists and message pages over a KV medium. It is a
// best-effort cache, never a system of record; every failure path
// degrades to "absent" or a silently dropped write.
type Store struct {
	kv          KV
	ttl         time.Duration
	maxBytes    int64
	maxMessages int
	logger      *zap.Logger

	// now is injected in tests to pin the clock.
	now func() time.Time
}

// NewStore creates a store over the given KV.
func NewStore(kv KV, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		kv:          kv,
		ttl:         opts.TTL,
		maxBytes:    opts.MaxBytes,
		maxMessages: opts.MaxMessages,
		logger:      logger,
		now:         time.Now,
	}
}

// Get reads and validates the entry under key into dst. Returns false
// for absent, stale, version-mismatched, or corrupt entries; invalid
// entries are purged as a side effect. Get never returns an error:
// cache failures are indistinguishable from a cold cache.
func (s *Store) Get(key string, dst any) bool {
	payload, _, ok, err := s.kv.Get(key)
	if err != nil {
		s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}

	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		s.purge(key)
		return false
	}
	if entry.Version != SchemaVersion {
		s.purge(key)
		return false
	}
	if s.ttl > 0 && s.now().UnixMilli()-entry.WrittenAt >= s.ttl.Milliseconds() {
		s.purge(key)
		return false
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		s.purge(key)
		return false
	}
	return true
}

// Set writes v under key wrapped in a versioned, timestamped entry.
// Writes that would exceed the quota trigger eviction of the oldest
// third of entries; if the write still fails it is dropped silently.
func (s *Store) Set(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	now := s.now().UnixMilli()
	payload, err := json.Marshal(Entry{
		Version:   SchemaVersion,
		WrittenAt: now,
		Data:      data,
	})
	if err != nil {
		return
	}

	if s.overQuota(int64(len(payload))) {
		s.evictOldestThird()
	}
	if err := s.kv.Set(key, payload, now); err == nil {
		return
	}
	// Quota-exceeded or medium failure: evict and retry once, then give up.
	s.evictOldestThird()
	if err := s.kv.Set(key, payload, now); err != nil {
		s.logger.Warn("cache write dropped", zap.String("key", key), zap.Error(err))
	}
}

// Delete removes key. Failures are logged and swallowed.
func (s *Store) Delete(key string) {
	if err := s.kv.Delete(key); err != nil {
		s.logger.Warn("cache delete failed", zap.String("key", key), zap.Error(err))
	}
}

// SizeStats returns entry count and total payload bytes.
func (s *Store) SizeStats() Stats {
	stats, err := s.kv.Stats()
	if err != nil {
		s.logger.Warn("cache stats failed", zap.Error(err))
		return Stats{}
	}
	return stats
}

// Conversations returns the cached conversation list for a user.
func (s *Store) Conversations(userID string) ([]model.Conversation, bool) {
	var convs []model.Conversation
	if !s.Get(ConversationsKey(userID), &convs) {
		return nil, false
	}
	return convs, true
}

// SetConversations caches the conversation list for a user.
func (s *Store) SetConversations(userID string, convs []model.Conversation) {
	s.Set(ConversationsKey(userID), convs)
}

// Messages returns the cached message page for a conversation.
func (s *Store) Messages(conversationID string) ([]model.Message, bool) {
	var msgs []model.Message
	if !s.Get(MessagesKey(conversationID), &msgs) {
		return nil, false
	}
	return msgs, true
}

// SetMessages caches the message page for a conversation, keeping at
// most MaxMessages newest messages. msgs must already be sorted
// ascending by timestamp.
func (s *Store) SetMessages(conversationID string, msgs []model.Message) {
	if s.maxMessages > 0 && len(msgs) > s.maxMessages {
		msgs = msgs[len(msgs)-s.maxMessages:]
	}
	s.Set(MessagesKey(conversationID), msgs)
}

func (s *Store) purge(key string) {
	_ = s.kv.Delete(key)
}

func (s *Store) overQuota(incoming int64) bool {
	if s.maxBytes <= 0 {
		return false
	}
	stats, err := s.kv.Stats()
	if err != nil {
		return false
	}
	return stats.Bytes+incoming > s.maxBytes
}

// evictOldestThird drops the oldest third of entries (by write
// timestamp) across the whole store.
func (s *Store) evictOldestThird() {
	entries, err := s.kv.Entries()
	if err != nil || len(entries) == 0 {
		return
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].WrittenAt < entries[j].WrittenAt
	})
	n := len(entries) / 3
	if n == 0 {
		n = 1
	}
	for _, e := range entries[:n] {
		_ = s.kv.Delete(e.Key)
	}
	s.logger.Info("cache evicted oldest entries", zap.Int("evicted", n), zap.Int("total", len(entries)))
}
