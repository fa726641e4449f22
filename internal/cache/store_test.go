package cache

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quickdesk/chatsync/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(kv KV, opts Options) (*Store, *time.Time) {
	s := NewStore(kv, opts)
	now := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestStoreRoundTrip(t *testing.T) {
	s, _ := testStore(NewMemory(), Options{TTL: time.Hour})

	s.Set("k", map[string]int{"a": 1})

	var got map[string]int
	require.True(t, s.Get("k", &got))
	assert.Equal(t, 1, got["a"])
}

func TestStoreTTLBoundary(t *testing.T) {
	const ttl = time.Hour
	s, now := testStore(NewMemory(), Options{TTL: ttl})

	t0 := *now
	s.Set("k", "payload")

	// Just inside the window: present.
	*now = t0.Add(ttl - time.Millisecond)
	var got string
	require.True(t, s.Get("k", &got), "entry at t0+TTL-ε should be present")
	assert.Equal(t, "payload", got)

	// At and past the window: absent, and purged.
	*now = t0.Add(ttl + time.Millisecond)
	require.False(t, s.Get("k", &got), "entry at t0+TTL+ε should be absent")

	_, _, ok, err := s.kv.Get("k")
	require.NoError(t, err)
	assert.False(t, ok, "stale entry should have been purged")
}

func TestStoreVersionMismatchPurged(t *testing.T) {
	kv := NewMemory()
	s, now := testStore(kv, Options{TTL: time.Hour})

	// Write an entry under an old schema version directly into the KV.
	payload, err := json.Marshal(Entry{
		Version:   "2",
		WrittenAt: now.UnixMilli(),
		Data:      json.RawMessage(`"old"`),
	})
	require.NoError(t, err)
	require.NoError(t, kv.Set("k", payload, now.UnixMilli()))

	var got string
	assert.False(t, s.Get("k", &got), "version-mismatched entry should read as absent")
	_, _, ok, _ := kv.Get("k")
	assert.False(t, ok, "version-mismatched entry should be purged")
}

func TestStoreCorruptEntryPurged(t *testing.T) {
	kv := NewMemory()
	s, now := testStore(kv, Options{TTL: time.Hour})

	require.NoError(t, kv.Set("k", []byte("{not json"), now.UnixMilli()))

	var got string
	assert.False(t, s.Get("k", &got))
	_, _, ok, _ := kv.Get("k")
	assert.False(t, ok, "corrupt entry should be purged")
}

func TestStoreQuotaEvictsOldestThird(t *testing.T) {
	kv := NewMemory()
	s, now := testStore(kv, Options{TTL: time.Hour, MaxBytes: 1900})

	t0 := *now
	// Nine entries of ~200 bytes each, written a second apart.
	for i := 0; i < 9; i++ {
		*now = t0.Add(time.Duration(i) * time.Second)
		s.Set(fmt.Sprintf("k%d", i), strings.Repeat("a", 150))
	}

	// The next write pushes past MaxBytes and must evict the oldest third.
	*now = t0.Add(time.Minute)
	s.Set("k9", strings.Repeat("a", 150))

	var got string
	assert.False(t, s.Get("k0", &got), "oldest entry should be evicted")
	assert.True(t, s.Get("k9", &got), "new entry should be written after eviction")
}

func TestStoreQuotaFailureDropsSilently(t *testing.T) {
	kv := NewMemory()
	kv.MaxBytes = 64 // too small for any enveloped entry
	s, _ := testStore(kv, Options{TTL: time.Hour})

	// Must not panic or error; the write is simply dropped.
	s.Set("k", strings.Repeat("a", 200))

	var got string
	assert.False(t, s.Get("k", &got))
}

func TestStoreMessageCapNewestBiased(t *testing.T) {
	s, _ := testStore(NewMemory(), Options{TTL: time.Hour, MaxMessages: 3})

	msgs := make([]model.Message, 5)
	for i := range msgs {
		msgs[i] = model.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "c1",
			Timestamp:      int64(1000 + i),
		}
	}
	s.SetMessages("c1", msgs)

	got, ok := s.Messages("c1")
	require.True(t, ok)
	require.Len(t, got, 3)
	assert.Equal(t, "m2", got[0].ID, "oldest messages dropped first")
	assert.Equal(t, "m4", got[2].ID)
}

func TestStoreConversationsRoundTrip(t *testing.T) {
	s, _ := testStore(NewMemory(), Options{TTL: time.Hour})

	convs := []model.Conversation{
		{
			ID:           model.DirectConversationID("alice", "bob"),
			Type:         model.ConversationDirect,
			Participants: []string{"alice", "bob"},
			UnreadCounts: map[string]int{"alice": 2},
			LastActivity: 5000,
		},
	}
	s.SetConversations("alice", convs)

	got, ok := s.Conversations("alice")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "direct:alice:bob", got[0].ID)
	assert.Equal(t, 2, got[0].UnreadCounts["alice"])

	_, ok = s.Conversations("bob")
	assert.False(t, ok, "no entry for another user")
}

func TestStoreSizeStats(t *testing.T) {
	s, _ := testStore(NewMemory(), Options{TTL: time.Hour})

	s.Set("a", "x")
	s.Set("b", "y")

	stats := s.SizeStats()
	assert.Equal(t, 2, stats.Entries)
	assert.Greater(t, stats.Bytes, int64(0))
}

func TestStoreOnSQLiteKV(t *testing.T) {
	db := testDB(t)
	s, now := testStore(db, Options{TTL: time.Hour, MaxMessages: 500})

	t0 := *now
	s.SetMessages("c1", []model.Message{
		{ID: "m1", ConversationID: "c1", Timestamp: 1000},
	})

	got, ok := s.Messages("c1")
	require.True(t, ok)
	require.Len(t, got, 1)

	// TTL applies over the durable medium too.
	*now = t0.Add(2 * time.Hour)
	_, ok = s.Messages("c1")
	assert.False(t, ok)
}
