// Package nonce issues and validates the single-use, time-boxed,
// rate-limited tokens that protect a session against replayed requests.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/observability"
)

// Defaults applied when callers pass zero values
const (
	DefaultTTL         = 300 * time.Second
	DefaultMaxRequests = 5
	tokenBytes         = 24
)

// Store persists one nonce row per session
type Store interface {
	// Upsert replaces the session's nonce and resets its counter
	Upsert(ctx context.Context, n *models.Nonce) error
	// Consume atomically increments the counter when the token matches, the row
	// is unexpired and the counter is below max. It reports whether it did.
	Consume(ctx context.Context, sessionID, token string, nowMillis int64, max int) (bool, error)
	// ConsumeUnused is Consume for callers without a token: it only succeeds
	// while the current nonce has never been used.
	ConsumeUnused(ctx context.Context, sessionID string, nowMillis int64) (bool, error)
	// DeleteExpired removes rows whose expiry has passed
	DeleteExpired(ctx context.Context, nowMillis int64) (int64, error)
}

// Manager is the NonceManager
type Manager struct {
	store   Store
	log     *logger.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewManager creates a manager over the given store
func NewManager(store Store, log *logger.Logger, metrics *observability.Metrics) *Manager {
	if log == nil {
		log = logger.GetGlobal()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &Manager{store: store, log: log, metrics: metrics, now: time.Now}
}

// CreateNonce issues a fresh token for the session, replacing any previous one
func (m *Manager) CreateNonce(ctx context.Context, roomID, sessionID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := newToken()
	if err != nil {
		return "", err
	}

	n := &models.Nonce{
		SessionID:    sessionID,
		RoomID:       roomID,
		Token:        token,
		ExpiresAt:    m.now().Add(ttl).UnixMilli(),
		RequestCount: 0,
	}
	if err := m.store.Upsert(ctx, n); err != nil {
		return "", fmt.Errorf("failed to store nonce: %w", err)
	}
	return token, nil
}

// ValidateNonce reports whether token is the session's current, unexpired,
// unexhausted nonce, and counts the use if so. Store failures read as false.
func (m *Manager) ValidateNonce(ctx context.Context, sessionID, token string, maxRequests int) bool {
	if sessionID == "" || token == "" {
		m.metrics.NonceValidated(ctx, false)
		return false
	}
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}

	ok, err := m.store.Consume(ctx, sessionID, token, m.now().UnixMilli(), maxRequests)
	if err != nil {
		m.log.LogError(err, "Nonce validation failed", "session_id", sessionID)
		ok = false
	}
	m.metrics.NonceValidated(ctx, ok)
	return ok
}

// ClaimUnused accepts a token-less request exactly once per issued nonce
func (m *Manager) ClaimUnused(ctx context.Context, sessionID string) bool {
	ok, err := m.store.ConsumeUnused(ctx, sessionID, m.now().UnixMilli())
	if err != nil {
		m.log.LogError(err, "Nonce claim failed", "session_id", sessionID)
		ok = false
	}
	m.metrics.NonceValidated(ctx, ok)
	return ok
}

// CleanupExpiredNonces purges expired rows. Best-effort: failures are logged only.
func (m *Manager) CleanupExpiredNonces(ctx context.Context) {
	removed, err := m.store.DeleteExpired(ctx, m.now().UnixMilli())
	if err != nil {
		m.log.LogError(err, "Nonce cleanup failed")
		return
	}
	if removed > 0 {
		m.log.Debug("Expired nonces removed", "count", removed)
	}
}

// StartCleanup runs CleanupExpiredNonces every interval until ctx is done
func (m *Manager) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CleanupExpiredNonces(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
