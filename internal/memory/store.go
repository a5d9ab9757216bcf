// Package memory persists and scores the memories of every agent. Reads
// degrade to empty results when the durable store is unavailable so a
// conversation turn is never aborted by a failed lookup.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/internal/vector"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/observability"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Threshold levels
const (
	LevelNormal   = "normal"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

const summaryLength = 100

// ErrInvalidMemory is returned for a memory without a room or an agent
var ErrInvalidMemory = errors.New("memory requires a room and an agent")

// Options tunes the memory-count thresholds
type Options struct {
	WarningThreshold  int
	CriticalThreshold int
}

// DefaultOptions returns the thresholds used when nothing is configured
func DefaultOptions() Options {
	return Options{WarningThreshold: 1000, CriticalThreshold: 5000}
}

// Store is the memory manager of the runtime
type Store struct {
	adapter    *store.Adapter
	opts       Options
	log        *logger.Logger
	metrics    *observability.Metrics
	embeddings *llm.EmbeddingService
	index      vector.Index

	mu         sync.Mutex
	counts     map[string]int
	levels     map[string]string
	lastMillis int64
	now        func() time.Time
}

// NewStore creates a memory store over the shared adapter
func NewStore(adapter *store.Adapter, opts Options, log *logger.Logger, metrics *observability.Metrics) *Store {
	if log == nil {
		log = logger.GetGlobal()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Store{
		adapter: adapter,
		opts:    opts,
		log:     log,
		metrics: metrics,
		counts:  make(map[string]int),
		levels:  make(map[string]string),
		now:     time.Now,
	}
}

// WithVectorSearch enables embedding-based supplements in FindMemories and
// indexing of new memories
func (s *Store) WithVectorSearch(embeddings *llm.EmbeddingService, index vector.Index) *Store {
	s.embeddings = embeddings
	s.index = index
	return s
}

// Adapter exposes the underlying store adapter for transactional callers
func (s *Store) Adapter() *store.Adapter {
	return s.adapter
}

// Prepare fills the derived fields of a memory before insert: id, importance
// and the metadata blob (summary, size, timestamp).
func (s *Store) Prepare(m *models.Memory, unique bool) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.Unique = unique
	m.Importance = Importance(m.Content.Text)

	nowMillis := s.stamp()
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMillis
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata["summary"] = summarize(m.Content.Text)
	m.Metadata["size"] = len(m.Content.Text)
	m.Metadata["timestamp"] = nowMillis
}

// InsertTx writes a memory inside the caller's transaction, creating the
// owning room first when it does not exist yet. Call Committed once the
// transaction has succeeded.
func (s *Store) InsertTx(tx *gorm.DB, m *models.Memory, unique bool) error {
	if m.RoomID == "" || m.AgentID == "" {
		return store.Reject(ErrInvalidMemory)
	}
	s.Prepare(m, unique)
	if err := store.ClaimRoom(tx, m.RoomID, m.AgentID); err != nil {
		return fmt.Errorf("failed to claim room %s: %w", m.RoomID, err)
	}
	if err := tx.Create(m).Error; err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// Committed updates counters and the vector index for memories that are now durable
func (s *Store) Committed(ctx context.Context, memories ...*models.Memory) {
	for _, m := range memories {
		s.metrics.MemoryCreated(ctx, m.Type)
		s.track(ctx, m.AgentID, m.RoomID)
		s.indexMemory(ctx, m)
	}
}

// CreateMemory persists one memory. Unlike the read paths a failed write is
// returned, since the caller relies on it being durable.
func (s *Store) CreateMemory(ctx context.Context, m *models.Memory, unique bool) error {
	err := s.adapter.Transaction(ctx, func(tx *gorm.DB) error {
		return s.InsertTx(tx, m, unique)
	})
	if err != nil {
		s.log.LogError(err, "Failed to create memory", "room_id", m.RoomID, "agent_id", m.AgentID)
		return err
	}
	s.Committed(ctx, m)
	return nil
}

// GetOptions selects recent memories of one room
type GetOptions struct {
	RoomID  string
	AgentID string
	Count   int
	Type    string
	Unique  bool
}

// GetMemories returns the most recent memories of a room, newest first
func (s *Store) GetMemories(ctx context.Context, opts GetOptions) []models.Memory {
	var memories []models.Memory
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		q := db.Where("room_id = ?", opts.RoomID)
		if opts.AgentID != "" {
			q = q.Where("agent_id = ?", opts.AgentID)
		}
		if opts.Type != "" {
			q = q.Where("type = ?", opts.Type)
		}
		if opts.Unique {
			q = q.Where("is_unique = ?", true)
		}
		if opts.Count > 0 {
			q = q.Limit(opts.Count)
		}
		return q.Order("created_at DESC").Order("id DESC").Find(&memories).Error
	})
	if err != nil {
		s.log.LogError(err, "Failed to get memories", "room_id", opts.RoomID)
		return nil
	}
	return memories
}

// GetMemoriesByRoomIDs returns the newest memories of the agent across rooms
func (s *Store) GetMemoriesByRoomIDs(ctx context.Context, agentID string, roomIDs []string, count int) []models.Memory {
	if len(roomIDs) == 0 {
		return nil
	}
	var memories []models.Memory
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		q := db.Where("agent_id = ? AND room_id IN ?", agentID, roomIDs)
		if count > 0 {
			q = q.Limit(count)
		}
		return q.Order("created_at DESC").Order("id DESC").Find(&memories).Error
	})
	if err != nil {
		s.log.LogError(err, "Failed to get memories by rooms", "agent_id", agentID)
		return nil
	}
	return memories
}

// GetMemoryByID loads one memory and records the access. Returns nil when
// the memory does not exist or the store is unavailable.
func (s *Store) GetMemoryByID(ctx context.Context, id string) *models.Memory {
	var m models.Memory
	nowMillis := s.now().UnixMilli()
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		if err := db.Where("id = ?", id).First(&m).Error; err != nil {
			return err
		}
		return db.Model(&models.Memory{}).Where("id = ?", id).UpdateColumns(map[string]any{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": nowMillis,
		}).Error
	})
	if err != nil {
		if !store.IsNotFound(err) {
			s.log.LogError(err, "Failed to get memory", "memory_id", id)
		}
		return nil
	}
	m.AccessCount++
	m.LastAccessed = nowMillis
	return &m
}

// UpdateMemory rewrites the content, type and metadata of an existing memory
// and rescores it. Returns false when nothing was updated.
func (s *Store) UpdateMemory(ctx context.Context, m *models.Memory) bool {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Importance = Importance(m.Content.Text)
	m.Metadata["summary"] = summarize(m.Content.Text)
	m.Metadata["size"] = len(m.Content.Text)
	m.Metadata["updatedAt"] = s.now().UnixMilli()

	// Select with the struct runs BeforeSave, which refreshes the content and search columns
	var affected int64
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		res := db.Model(m).Select("type", "content", "text", "importance", "metadata").Updates(m)
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		s.log.LogError(err, "Failed to update memory", "memory_id", m.ID)
		return false
	}
	if affected == 1 {
		s.indexMemory(ctx, m)
	}
	return affected == 1
}

// DeleteMemory removes one memory. Returns false when nothing was deleted.
func (s *Store) DeleteMemory(ctx context.Context, id string) bool {
	var m models.Memory
	var affected int64
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		if err := db.Where("id = ?", id).First(&m).Error; err != nil {
			return err
		}
		res := db.Where("id = ?", id).Delete(&models.Memory{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		if !store.IsNotFound(err) {
			s.log.LogError(err, "Failed to delete memory", "memory_id", id)
		}
		return false
	}

	if affected == 1 {
		s.untrack(m.AgentID, m.RoomID)
		if s.index != nil {
			if err := s.index.Delete(ctx, m.AgentID, id); err != nil {
				s.log.Warn("Failed to remove memory from vector index", "memory_id", id, "error", err.Error())
			}
		}
	}
	return affected == 1
}

// FindOptions scopes a memory search
type FindOptions struct {
	AgentID string
	UserID  string
	Count   int
}

// FindMemories matches the query as a substring of memory text first and,
// when that yields fewer than Count results, tops up with nearest
// neighbours from the vector index. Substring hits come first.
func (s *Store) FindMemories(ctx context.Context, query string, opts FindOptions) []models.Memory {
	count := opts.Count
	if count <= 0 {
		count = 10
	}

	var found []models.Memory
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		q := db.Where("text LIKE ? ESCAPE '\\'", pattern)
		if opts.AgentID != "" {
			q = q.Where("agent_id = ?", opts.AgentID)
		}
		if opts.UserID != "" {
			q = q.Where("user_id = ?", opts.UserID)
		}
		return q.Order("created_at DESC").Limit(count).Find(&found).Error
	})
	if err != nil {
		s.log.LogError(err, "Failed to search memories", "agent_id", opts.AgentID)
		found = nil
	}

	if len(found) >= count || s.index == nil || s.embeddings == nil || opts.AgentID == "" {
		return found
	}
	return append(found, s.vectorSupplement(ctx, query, opts, count-len(found), found)...)
}

func (s *Store) vectorSupplement(ctx context.Context, query string, opts FindOptions, want int, exclude []models.Memory) []models.Memory {
	embedding := s.embeddings.Embed(ctx, query)
	if llm.IsZero(embedding) {
		return nil
	}

	hits, err := s.index.Search(ctx, opts.AgentID, embedding, want+len(exclude))
	if err != nil {
		s.log.Warn("Vector search failed", "agent_id", opts.AgentID, "error", err.Error())
		return nil
	}

	seen := make(map[string]bool, len(exclude))
	for _, m := range exclude {
		seen[m.ID] = true
	}
	var ids []string
	similarity := make(map[string]float32)
	for _, h := range hits {
		if !seen[h.MemoryID] {
			ids = append(ids, h.MemoryID)
			similarity[h.MemoryID] = h.Similarity
		}
	}
	if len(ids) == 0 {
		return nil
	}

	var rows []models.Memory
	err = s.adapter.Do(ctx, func(db *gorm.DB) error {
		q := db.Where("id IN ?", ids)
		if opts.UserID != "" {
			q = q.Where("user_id = ?", opts.UserID)
		}
		return q.Find(&rows).Error
	})
	if err != nil {
		s.log.LogError(err, "Failed to load vector matches", "agent_id", opts.AgentID)
		return nil
	}

	byID := make(map[string]models.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}
	out := make([]models.Memory, 0, want)
	for _, id := range ids {
		m, ok := byID[id]
		if !ok {
			continue
		}
		m.Similarity = similarity[id]
		out = append(out, m)
		if len(out) == want {
			break
		}
	}
	return out
}

// GetAllMemoriesByCharacter lists the character's memories in rooms that
// still exist, newest first. memType filters when non-empty.
func (s *Store) GetAllMemoriesByCharacter(ctx context.Context, characterID, memType string) []models.Memory {
	var memories []models.Memory
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		q := db.Where("agent_id = ? AND room_id IN (SELECT id FROM rooms WHERE character_id = ?)", characterID, characterID)
		if memType != "" {
			q = q.Where("type = ?", memType)
		}
		return q.Order("created_at DESC").Find(&memories).Error
	})
	if err != nil {
		s.log.LogError(err, "Failed to list character memories", "character_id", characterID)
		return nil
	}
	return memories
}

// Level returns the current threshold level of an agent's room
func (s *Store) Level(agentID, roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.levels[key(agentID, roomID)]; ok {
		return l
	}
	return LevelNormal
}

// Count returns the tracked number of memories of an agent's room
func (s *Store) Count(agentID, roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key(agentID, roomID)]
}

// Forget drops the process-local counters of an agent
func (s *Store) Forget(ctx context.Context, agentID string) {
	s.mu.Lock()
	prefix := agentID + "/"
	for k := range s.counts {
		if strings.HasPrefix(k, prefix) {
			delete(s.counts, k)
			delete(s.levels, k)
		}
	}
	s.mu.Unlock()

	if s.index != nil {
		if err := s.index.DeleteAgent(ctx, agentID); err != nil {
			s.log.Warn("Failed to drop agent vector index", "agent_id", agentID, "error", err.Error())
		}
	}
}

func (s *Store) track(ctx context.Context, agentID, roomID string) {
	k := key(agentID, roomID)

	s.mu.Lock()
	_, seeded := s.counts[k]
	s.mu.Unlock()

	// the first write of a room seeds the counter from the durable count,
	// which already includes this memory
	var seed int64 = 1
	if !seeded {
		err := s.adapter.Do(ctx, func(db *gorm.DB) error {
			return db.Model(&models.Memory{}).
				Where("agent_id = ? AND room_id = ?", agentID, roomID).
				Count(&seed).Error
		})
		if err != nil {
			seed = 1
		}
	}

	s.mu.Lock()
	if _, ok := s.counts[k]; ok {
		s.counts[k]++
	} else {
		s.counts[k] = int(seed)
	}
	count := s.counts[k]
	previous := s.levels[k]
	level := s.levelFor(count)
	s.levels[k] = level
	s.mu.Unlock()

	if level == previous || level == LevelNormal || previous == LevelCritical {
		return
	}
	s.metrics.MemoryThresholdCrossed(ctx, level)
	if level == LevelCritical {
		s.log.Error("Memory count crossed critical threshold",
			"agent_id", agentID, "room_id", roomID, "count", count, "threshold", s.opts.CriticalThreshold)
		return
	}
	s.log.Warn("Memory count crossed warning threshold",
		"agent_id", agentID, "room_id", roomID, "count", count, "threshold", s.opts.WarningThreshold)
}

func (s *Store) untrack(agentID, roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(agentID, roomID)
	if n, ok := s.counts[k]; ok && n > 0 {
		s.counts[k] = n - 1
		s.levels[k] = s.levelFor(n - 1)
	}
}

func (s *Store) levelFor(count int) string {
	switch {
	case s.opts.CriticalThreshold > 0 && count >= s.opts.CriticalThreshold:
		return LevelCritical
	case s.opts.WarningThreshold > 0 && count >= s.opts.WarningThreshold:
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (s *Store) indexMemory(ctx context.Context, m *models.Memory) {
	if s.index == nil || s.embeddings == nil || m.Content.Text == "" {
		return
	}
	embedding := s.embeddings.Embed(ctx, m.Content.Text)
	if err := s.index.Upsert(ctx, m.AgentID, m.ID, m.RoomID, embedding); err != nil {
		s.log.Warn("Failed to index memory", "memory_id", m.ID, "error", err.Error())
	}
}

// stamp returns a strictly increasing creation time so memories written in
// the same millisecond keep their insertion order
func (s *Store) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastMillis {
		ms = s.lastMillis + 1
	}
	s.lastMillis = ms
	return ms
}

func key(agentID, roomID string) string {
	return agentID + "/" + roomID
}

func summarize(text string) string {
	if utf8.RuneCountInString(text) <= summaryLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:summaryLength]) + "..."
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
