package luna

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, now *time.Time) *ConversationStore {
	t.Helper()
	store := NewConversationStore(
		&StoreConfig{
			Path:             filepath.Join(t.TempDir(), "memory.json"),
			FlushQuietPeriod: 50 * time.Millisecond,
			FlushInterval:    DefaultFlushInterval,
			RetentionWindow:  DefaultRetentionWindow,
			MaxHistory:       DefaultMaxHistory,
			ContextMessages:  DefaultContextMessages,
		},
		testLogger(t),
	)
	store.clock = fakeClock(now)
	t.Cleanup(
		func() {
			_ = store.Close()
		},
	)
	return store
}

func TestAppendEntryFreshUser(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	levelUp := store.AppendEntry(
		t.Name(),
		"ann",
		"hi luna!",
		"hi! I missed you",
		"greeting",
		EntryTypeChat,
	)
	assert.Nil(t, levelUp)

	rec := store.users[t.Name()]
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.MessageCount)
	assert.Equal(t, 1, rec.Stats.TotalMessages)
	assert.Equal(t, 1, rec.Stats.RelationshipLevel)
	assert.Equal(t, now, rec.FirstInteraction)
	assert.Equal(t, now, rec.LastInteraction)
	require.Len(t, rec.ConversationHistory, 1)
	entry := rec.ConversationHistory[0]
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, EntryTypeChat, entry.Type)
	assert.Equal(t, "greeting", entry.Intent)
	assert.Equal(t, map[string]int{"greeting": 1}, rec.Stats.IntentCounts)
}

func TestAppendEntryRefreshesDisplayName(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	store.AppendEntry(t.Name(), "ann", "hi", "hello", "", EntryTypeChat)
	store.AppendEntry(t.Name(), "annie", "hi again", "hello", "", EntryTypeChat)

	assert.Equal(t, "annie", store.users[t.Name()].DisplayName)
}

func TestRelationshipLevelProgression(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	var levelUps []*SpecialMoment
	appendN := func(n int) {
		for i := 0; i < n; i++ {
			if m := store.AppendEntry(
				t.Name(), "ann", "hi", "hello", "", EntryTypeChat,
			); m != nil {
				levelUps = append(levelUps, m)
			}
		}
	}

	appendN(9)
	rec := store.users[t.Name()]
	assert.Equal(t, 1, rec.Stats.RelationshipLevel)
	assert.Empty(t, levelUps)

	// the 10th message levels up, exactly once
	appendN(1)
	assert.Equal(t, 2, rec.Stats.RelationshipLevel)
	require.Len(t, levelUps, 1)
	assert.Equal(t, "level_up", levelUps[0].Type)
	assert.Equal(t, 2, levelUps[0].Level)
	require.Len(t, rec.Stats.SpecialMoments, 1)

	// 11 through 19 stay at level 2
	appendN(9)
	assert.Equal(t, 2, rec.Stats.RelationshipLevel)
	require.Len(t, levelUps, 1)

	// the 20th reaches level 3
	appendN(1)
	assert.Equal(t, 3, rec.Stats.RelationshipLevel)
	require.Len(t, levelUps, 2)
	assert.Equal(t, 3, levelUps[1].Level)
}

func TestRetentionEvictsOldEntriesOnAppend(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	store.AppendEntry(t.Name(), "ann", "old message", "reply", "", EntryTypeChat)

	// eight days later, the next append evicts it immediately
	now = now.Add(8 * 24 * time.Hour)
	store.AppendEntry(t.Name(), "ann", "new message", "reply", "", EntryTypeChat)

	rec := store.users[t.Name()]
	require.Len(t, rec.ConversationHistory, 1)
	assert.Equal(t, "new message", rec.ConversationHistory[0].UserMessage)
	assert.Equal(t, 1, rec.MessageCount)
	// statistics survive eviction
	assert.Equal(t, 2, rec.Stats.TotalMessages)
}

func TestRetentionEnforcesHistoryCap(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	for i := 1; i <= 101; i++ {
		now = now.Add(time.Second)
		store.AppendEntry(
			t.Name(),
			"ann",
			fmt.Sprintf("message %d", i),
			"reply",
			"",
			EntryTypeChat,
		)
	}

	rec := store.users[t.Name()]
	require.Len(t, rec.ConversationHistory, 100)
	assert.Equal(t, "message 2", rec.ConversationHistory[0].UserMessage)
	assert.Equal(t, "message 101", rec.ConversationHistory[99].UserMessage)
	assert.Equal(t, 100, rec.MessageCount)
	assert.Equal(t, 101, rec.Stats.TotalMessages)
}

func TestSweepRetention(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	store.AppendEntry("user-a", "ann", "old", "reply", "", EntryTypeChat)
	now = now.Add(3 * 24 * time.Hour)
	store.AppendEntry("user-b", "ben", "newer", "reply", "", EntryTypeChat)

	now = now.Add(5 * 24 * time.Hour)
	removed := store.SweepRetention()
	assert.Equal(t, 1, removed)

	assert.Empty(t, store.users["user-a"].ConversationHistory)
	assert.Equal(t, 0, store.users["user-a"].MessageCount)
	assert.Len(t, store.users["user-b"].ConversationHistory, 1)

	// nothing left to remove
	assert.Equal(t, 0, store.SweepRetention())
}

func TestRecentContext(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	assert.Empty(t, store.RecentContext("unknown", 5))

	store.AppendEntry(t.Name(), "ann", "first", "reply one", "", EntryTypeChat)
	store.AppendEntry(t.Name(), "ann", "second", "reply two", "", EntryTypeChat)
	store.AppendEntry(t.Name(), "ann", "third", "reply three", "", EntryTypeChat)

	context := store.RecentContext(t.Name(), 2)
	assert.Equal(
		t,
		"ann: second\nLuna: reply two\nann: third\nLuna: reply three",
		context,
	)
}

func TestStatisticsUnknownUser(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	_, err := store.Statistics("unknown")
	require.ErrorIs(t, err, ErrNoConversationData)
}

func TestStatisticsSnapshot(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	store.AppendEntry(t.Name(), "ann", "love you", "aww", "love", EntryTypeChat)
	store.AppendEntry(t.Name(), "ann", "love this", "me too", "love", EntryTypeChat)
	store.AppendEntry(t.Name(), "ann", "so in love", "!!", "love", EntryTypeChat)
	store.AppendEntry(t.Name(), "ann", "cutie", "stop it", "flirty", EntryTypeChat)
	store.AppendEntry(t.Name(), "ann", "selfie?", "here!", "image", EntryTypeImage)

	now = now.Add(49 * time.Hour)
	stats, err := store.Statistics(t.Name())
	require.NoError(t, err)

	assert.Equal(t, "ann", stats.DisplayName)
	assert.Equal(t, 5, stats.TotalMessages)
	assert.Equal(t, 1, stats.ImagesGenerated)
	assert.Equal(t, 1, stats.RelationshipLevel)
	assert.Equal(t, "love", stats.FavoriteIntent)
	assert.Equal(t, 2, stats.DaysKnown)
	assert.Equal(t, 5, stats.HistoryLength)
}

func TestFavoriteIntent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		counts   map[string]int
		expected string
	}{
		{"no intents", nil, "random"},
		{"clear winner", map[string]int{"love": 3, "flirty": 1}, "love"},
		{"tie breaks lexically", map[string]int{"sad": 2, "flirty": 2}, "flirty"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(
			tt.name, func(t *testing.T) {
				t.Parallel()
				assert.Equal(t, tt.expected, favoriteIntent(tt.counts))
			},
		)
	}
}

func TestFlushRoundTrip(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	store.AppendEntry("user-a", "ann", "hi", "hello!", "greeting", EntryTypeChat)
	store.AppendEntry("user-a", "ann", "selfie?", "here!", "image", EntryTypeImage)
	store.AppendEntry("user-b", "ben", "hey", "hi ben", "greeting", EntryTypeChat)
	require.NoError(t, store.Flush())

	reloaded := NewConversationStore(store.config, testLogger(t))
	reloaded.clock = fakeClock(&now)
	require.NoError(t, reloaded.Load())

	assert.Equal(t, store.users, reloaded.users)
}

func TestLoadMissingFileInitializesEmptyStore(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	require.NoError(t, store.Load())
	assert.Equal(t, 0, store.UserCount())

	// the empty document was persisted
	data, err := os.ReadFile(store.config.Path)
	require.NoError(t, err)
	assert.JSONEq(t, "{}", string(data))
}

func TestLoadToleratesAbsentFields(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	// a record written by an older build: no stats block at all
	doc := map[string]any{
		"user-a": map[string]any{
			"displayName": "ann",
			"conversationHistory": []map[string]any{
				{
					"id":          "legacy-id",
					"timestamp":   now.Format(time.RFC3339),
					"type":        "chat",
					"userMessage": "hi",
					"botResponse": "hello",
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.config.Path, data, 0o600))

	require.NoError(t, store.Load())
	rec := store.users["user-a"]
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Stats.RelationshipLevel)
	assert.NotNil(t, rec.Stats.IntentCounts)
	assert.Equal(t, 1, rec.MessageCount)
}

func TestLoadCorruptFileFallsBackToEmptyStore(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	require.NoError(
		t,
		os.WriteFile(store.config.Path, []byte("not json{"), 0o600),
	)
	require.NoError(t, store.Load())
	assert.Equal(t, 0, store.UserCount())
}

func TestDebouncedFlush(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, &now)

	store.AppendEntry(t.Name(), "ann", "hi", "hello", "", EntryTypeChat)

	// nothing on disk until the quiet period passes
	_, err := os.Stat(store.config.Path)
	assert.True(t, os.IsNotExist(err))

	require.Eventually(
		t, func() bool {
			data, readErr := os.ReadFile(store.config.Path)
			if readErr != nil {
				return false
			}
			users := map[string]*UserRecord{}
			if jsonErr := json.Unmarshal(data, &users); jsonErr != nil {
				return false
			}
			_, ok := users[t.Name()]
			return ok
		},
		time.Second,
		10*time.Millisecond,
	)
}
