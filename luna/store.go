package luna

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
)

// ErrNoConversationData indicates no conversation record exists for
// the requested user.
var ErrNoConversationData = errors.New("no conversation data for user")

// EntryType tags a conversation entry as a chat exchange or an
// image generation.
type EntryType string

const (
	EntryTypeChat  EntryType = "chat"
	EntryTypeImage EntryType = "image"
)

// defaultFavoriteIntent is reported when a user has no recorded intents.
const defaultFavoriteIntent = "random"

// ConversationEntry is a single user/bot exchange. Immutable once
// created.
type ConversationEntry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EntryType `json:"type"`
	UserMessage string    `json:"userMessage"`
	BotResponse string    `json:"botResponse"`
	Intent      string    `json:"intent,omitempty"`
}

// SpecialMoment records a relationship milestone. Never removed.
type SpecialMoment struct {
	Type      string    `json:"type"`
	Level     int       `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// UserStatistics is the per-user statistics block embedded in a
// conversation record.
type UserStatistics struct {
	TotalMessages     int             `json:"totalMessages"`
	ImagesGenerated   int             `json:"imagesGenerated"`
	IntentCounts      map[string]int  `json:"intentCounts"`
	RelationshipLevel int             `json:"relationshipLevel"`
	SpecialMoments    []SpecialMoment `json:"specialMoments"`
}

// UserRecord is the full per-user conversation aggregate. The
// persisted store document maps user ids to these records, so field
// changes here must stay backward-readable: absent fields default
// sensibly on load, there is no schema version.
type UserRecord struct {
	DisplayName         string               `json:"displayName"`
	FirstInteraction    time.Time            `json:"firstInteraction"`
	LastInteraction     time.Time            `json:"lastInteraction"`
	MessageCount        int                  `json:"messageCount"`
	ConversationHistory []*ConversationEntry `json:"conversationHistory"`
	Stats               UserStatistics       `json:"stats"`
}

// StatsSnapshot is the read-only statistics projection returned to
// callers (the stats command and the status API).
type StatsSnapshot struct {
	DisplayName       string          `json:"display_name"`
	TotalMessages     int             `json:"total_messages"`
	ImagesGenerated   int             `json:"images_generated"`
	RelationshipLevel int             `json:"relationship_level"`
	FavoriteIntent    string          `json:"favorite_intent"`
	DaysKnown         int             `json:"days_known"`
	HistoryLength     int             `json:"history_length"`
	SpecialMoments    []SpecialMoment `json:"special_moments"`
}

// ConversationStore owns every user's conversation record and the
// persistence discipline around them: inline retention on every
// append, a periodic retention sweep, and debounced flushes of the
// whole store to a single JSON document.
type ConversationStore struct {
	mu     sync.RWMutex
	config *StoreConfig
	logger *slog.Logger
	users  map[string]*UserRecord

	// flushTimer is the pending debounced flush, if any. Guarded by mu.
	flushTimer *time.Timer

	// clock is replaceable for retention simulation in tests
	clock func() time.Time
}

// NewConversationStore creates a store with an empty user mapping.
// Call Load before use.
func NewConversationStore(
	config *StoreConfig,
	logger *slog.Logger,
) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		config: config,
		logger: logger.With(loggerNameKey, "conversation_store"),
		users:  map[string]*UserRecord{},
		clock:  time.Now,
	}
}

// Load reads the persisted store document. A missing file is not an
// error: an empty store is initialized and persisted. Any other read
// or decode failure logs and falls back to an empty in-memory store,
// so the bot keeps running at the cost of history.
func (s *ConversationStore) Load() error {
	data, err := os.ReadFile(s.config.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info(
			"no existing store document, starting fresh",
			"path", s.config.Path,
		)
		return s.Flush()
	case err != nil:
		s.logger.Error(
			"error reading store document, starting with empty store",
			"path", s.config.Path,
			tint.Err(err),
		)
		return nil
	}

	users := map[string]*UserRecord{}
	if err = json.Unmarshal(data, &users); err != nil {
		s.logger.Error(
			"error decoding store document, starting with empty store",
			"path", s.config.Path,
			tint.Err(err),
		)
		return nil
	}

	for _, rec := range users {
		normalizeRecord(rec)
	}

	s.mu.Lock()
	s.users = users
	s.mu.Unlock()

	s.logger.Info("loaded store document", "users", len(users))
	return nil
}

// normalizeRecord fills fields that may be absent from documents
// written by older builds.
func normalizeRecord(rec *UserRecord) {
	if rec.Stats.IntentCounts == nil {
		rec.Stats.IntentCounts = map[string]int{}
	}
	if rec.Stats.RelationshipLevel < 1 {
		rec.Stats.RelationshipLevel = 1
	}
	rec.MessageCount = len(rec.ConversationHistory)
}

func newUserRecord(displayName string, now time.Time) *UserRecord {
	return &UserRecord{
		DisplayName:      displayName,
		FirstInteraction: now,
		LastInteraction:  now,
		Stats: UserStatistics{
			IntentCounts:      map[string]int{},
			RelationshipLevel: 1,
		},
	}
}

// getOrCreateLocked returns the record for userID, creating one if
// needed and refreshing a changed display name. Callers hold s.mu.
func (s *ConversationStore) getOrCreateLocked(
	userID string,
	displayName string,
	now time.Time,
) *UserRecord {
	rec, ok := s.users[userID]
	if !ok {
		rec = newUserRecord(displayName, now)
		s.users[userID] = rec
		s.logger.Info(
			"new user record",
			"user_id", userID,
			"display_name", displayName,
		)
		return rec
	}
	if displayName != "" && rec.DisplayName != displayName {
		rec.DisplayName = displayName
	}
	return rec
}

// AppendEntry records one exchange for a user: the single mutation
// path for conversation history. Retention and all statistics
// bookkeeping happen inline, then a debounced flush is scheduled.
// The returned SpecialMoment is non-nil when this entry leveled the
// relationship up.
func (s *ConversationStore) AppendEntry(
	userID string,
	displayName string,
	userMessage string,
	botResponse string,
	intent string,
	entryType EntryType,
) *SpecialMoment {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	rec := s.getOrCreateLocked(userID, displayName, now)

	entry := &ConversationEntry{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Type:        entryType,
		UserMessage: userMessage,
		BotResponse: botResponse,
		Intent:      intent,
	}
	rec.ConversationHistory = append(rec.ConversationHistory, entry)
	rec.LastInteraction = entry.Timestamp

	rec.Stats.TotalMessages++
	if entryType == EntryTypeImage {
		rec.Stats.ImagesGenerated++
	}
	if intent != "" {
		rec.Stats.IntentCounts[intent]++
	}

	var levelUp *SpecialMoment
	newLevel := rec.Stats.TotalMessages/10 + 1
	if newLevel > rec.Stats.RelationshipLevel {
		rec.Stats.RelationshipLevel = newLevel
		moment := SpecialMoment{
			Type:      "level_up",
			Level:     newLevel,
			Timestamp: now,
			Message: fmt.Sprintf(
				"Reached relationship level %d with %s",
				newLevel,
				rec.DisplayName,
			),
		}
		rec.Stats.SpecialMoments = append(rec.Stats.SpecialMoments, moment)
		levelUp = &moment
		s.logger.Info(
			"relationship level up",
			"user_id", userID,
			"level", newLevel,
		)
	}

	s.applyRetention(rec, now, true)
	rec.MessageCount = len(rec.ConversationHistory)

	s.scheduleFlushLocked()
	return levelUp
}

// applyRetention is the single eviction path, used by both the append
// path (with the count cap) and the periodic sweep (window only).
// Returns the number of entries removed.
func (s *ConversationStore) applyRetention(
	rec *UserRecord,
	now time.Time,
	enforceCap bool,
) int {
	before := len(rec.ConversationHistory)
	cutoff := now.Add(-s.config.RetentionWindow)

	kept := rec.ConversationHistory[:0]
	for _, entry := range rec.ConversationHistory {
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, entry)
	}
	rec.ConversationHistory = kept

	if enforceCap && s.config.MaxHistory > 0 &&
		len(rec.ConversationHistory) > s.config.MaxHistory {
		rec.ConversationHistory = rec.ConversationHistory[len(rec.ConversationHistory)-s.config.MaxHistory:]
	}

	return before - len(rec.ConversationHistory)
}

// SweepRetention removes out-of-window entries for every user. The
// count cap is not applied here: it only matters on append, and the
// sweep exists to bound storage for users who stopped messaging.
// Runs once at startup (after Load) and daily thereafter.
func (s *ConversationStore) SweepRetention() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	removed := 0
	for _, rec := range s.users {
		removed += s.applyRetention(rec, now, false)
		rec.MessageCount = len(rec.ConversationHistory)
	}
	if removed > 0 {
		s.logger.Info("retention sweep evicted entries", "removed", removed)
		s.scheduleFlushLocked()
	}
	return removed
}

// RecentContext returns the last `limit` entries formatted as
// alternating user/bot lines, newest last. Returns an empty string if
// the user is unknown or has no history.
func (s *ConversationStore) RecentContext(userID string, limit int) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[userID]
	if !ok || len(rec.ConversationHistory) == 0 {
		return ""
	}

	entries := rec.ConversationHistory
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	lines := make([]string, 0, len(entries)*2)
	for _, entry := range entries {
		lines = append(
			lines,
			fmt.Sprintf("%s: %s", rec.DisplayName, entry.UserMessage),
			fmt.Sprintf("Luna: %s", entry.BotResponse),
		)
	}
	return strings.Join(lines, "\n")
}

// Statistics returns the read-only statistics projection for a user,
// or ErrNoConversationData for an unknown user.
func (s *ConversationStore) Statistics(userID string) (StatsSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[userID]
	if !ok {
		return StatsSnapshot{}, fmt.Errorf("%w: %s", ErrNoConversationData, userID)
	}

	snapshot := StatsSnapshot{
		DisplayName:       rec.DisplayName,
		TotalMessages:     rec.Stats.TotalMessages,
		ImagesGenerated:   rec.Stats.ImagesGenerated,
		RelationshipLevel: rec.Stats.RelationshipLevel,
		FavoriteIntent:    favoriteIntent(rec.Stats.IntentCounts),
		DaysKnown: int(
			s.clock().Sub(rec.FirstInteraction).Hours() / 24,
		),
		HistoryLength:  len(rec.ConversationHistory),
		SpecialMoments: append([]SpecialMoment{}, rec.Stats.SpecialMoments...),
	}
	return snapshot, nil
}

// favoriteIntent returns the intent label with the highest occurrence
// count. Ties break lexically, so the result doesn't depend on map
// iteration order.
func favoriteIntent(counts map[string]int) string {
	if len(counts) == 0 {
		return defaultFavoriteIntent
	}
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	favorite := labels[0]
	for _, label := range labels[1:] {
		if counts[label] > counts[favorite] {
			favorite = label
		}
	}
	return favorite
}

// UserCount returns the number of known users.
func (s *ConversationStore) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// scheduleFlushLocked resets the debounce timer: only the last
// scheduled flush in a burst of mutations actually executes. Callers
// hold s.mu.
func (s *ConversationStore) scheduleFlushLocked() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(
		s.config.FlushQuietPeriod, func() {
			if err := s.Flush(); err != nil {
				s.logger.Error("debounced flush failed", tint.Err(err))
			}
		},
	)
}

// Flush writes the full store to the configured path as one atomic
// document (write to a temp file, then rename). The in-memory store
// is snapshotted under a read lock before serializing, so mutations
// never race the encoder.
func (s *ConversationStore) Flush() error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.users, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("error encoding store document: %w", err)
	}

	dir := filepath.Dir(s.config.Path)
	tmp, err := os.CreateTemp(dir, ".luna_memory-*.json")
	if err != nil {
		return fmt.Errorf("error creating temp store document: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("error writing store document: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error closing store document: %w", err)
	}
	if err = os.Rename(tmpName, s.config.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("error replacing store document: %w", err)
	}

	s.logger.Debug("flushed store document", "bytes", len(data))
	return nil
}

// Close cancels any pending debounced flush and writes the store out
// synchronously. Called on graceful termination.
func (s *ConversationStore) Close() error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()
	return s.Flush()
}
