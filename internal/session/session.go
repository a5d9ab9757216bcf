// Package session is the session registry: it maps a room to a live agent
// runtime, guards every turn with the nonce manager and commits the
// exchanged messages before a new nonce is handed out.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ai-character-runtime/backend/internal/character"
	"ai-character-runtime/backend/internal/knowledge"
	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/nonce"
	"ai-character-runtime/backend/internal/runtime"
	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/pkg/cache"
	"ai-character-runtime/backend/pkg/config"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/observability"
	"ai-character-runtime/backend/pkg/resilience"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gorm.io/gorm"
)

// Session errors
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNonceRejected   = errors.New("nonce invalid, expired or exhausted")
	ErrEmptyMessage    = errors.New("message text is required")
	ErrRoomOwned       = store.ErrRoomOwned
	ErrMissingStore    = errors.New("session: adapter, character repository and nonce manager are required")
	ErrClosed          = errors.New("session service closed")
)

// NonceRejectedError names the session and room of a rejected nonce. It
// carries no usable token: the client re-initializes a session in RoomID,
// which keeps the room's history.
type NonceRejectedError struct {
	SessionID string
	RoomID    string
}

func (e *NonceRejectedError) Error() string {
	return ErrNonceRejected.Error()
}

func (e *NonceRejectedError) Unwrap() error {
	return ErrNonceRejected
}

// Options tunes the service
type Options struct {
	NonceTTL         time.Duration
	NonceMaxRequests int

	// IdleTimeout evicts in-memory sessions; evicted rooms rehydrate on demand
	IdleTimeout        time.Duration
	SweepInterval      time.Duration
	ConversationLength int
	EvaluateTimeout    time.Duration

	DefaultProvider llm.Provider
	Model           string
	Temperature     float64
	MaxTokens       int
	ContextTokens   int
	LLMTimeout      time.Duration
	Retry           resilience.RetryPolicy

	// DefaultSecrets are the server-wide credentials used when a character
	// has no usable secrets of its own
	DefaultSecrets map[string]string

	Actions    []*runtime.Action
	Evaluators []*runtime.Evaluator
}

// DefaultOptions returns the options used when none are configured
func DefaultOptions() Options {
	return Options{
		NonceTTL:           nonce.DefaultTTL,
		NonceMaxRequests:   nonce.DefaultMaxRequests,
		IdleTimeout:        30 * time.Minute,
		SweepInterval:      time.Minute,
		ConversationLength: runtime.DefaultConversationLength,
		EvaluateTimeout:    time.Minute,
		DefaultProvider:    llm.ProviderOpenAI,
		LLMTimeout:         30 * time.Second,
		Retry:              resilience.DefaultRetryPolicy(),
	}
}

// OptionsFromConfig maps the service configuration onto Options
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.NonceTTL = cfg.Nonce.TTL
	opts.NonceMaxRequests = cfg.Nonce.MaxRequests
	opts.IdleTimeout = cfg.Sessions.IdleTimeout
	opts.SweepInterval = cfg.Sessions.SweepInterval
	opts.ConversationLength = cfg.Sessions.ConversationLength
	if p, err := llm.ParseProvider(cfg.LLM.Provider); err == nil {
		opts.DefaultProvider = p
	}
	opts.Model = cfg.LLM.Model
	opts.Temperature = cfg.LLM.Temperature
	opts.MaxTokens = cfg.LLM.MaxTokens
	opts.LLMTimeout = cfg.LLM.Timeout
	opts.Retry.MaxAttempts = cfg.LLM.MaxRetries
	opts.Retry.BaseDelay = cfg.LLM.RetryBaseDelay
	opts.Retry.Multiplier = cfg.LLM.RetryMultiplier
	opts.Retry.Jitter = cfg.LLM.RetryJitter
	opts.DefaultSecrets = map[string]string{
		llm.ProviderOpenAI.APIKeySetting():    cfg.LLM.OpenAIAPIKey,
		llm.ProviderAnthropic.APIKeySetting(): cfg.LLM.AnthropicAPIKey,
	}
	return opts
}

// Deps are the collaborators of the service
type Deps struct {
	Adapter    *store.Adapter
	Characters *character.Repository
	Nonces     *nonce.Manager
	// Memory defaults to a store over Adapter
	Memory     *memory.Store
	Embeddings *llm.EmbeddingService
	Knowledge  *knowledge.Base
	// Generators defaults to llm.NewGenerator
	Generators llm.Factory
	Logger     *logger.Logger
	Metrics    *observability.Metrics
}

// Initialized is the result of InitializeSession
type Initialized struct {
	RoomID    string            `json:"roomId"`
	SessionID string            `json:"sessionId"`
	Nonce     string            `json:"nonce"`
	Config    *models.Character `json:"config"`
}

// SendRequest is one inbound chat message
type SendRequest struct {
	SessionID string
	Text      string
	// Nonce may be empty only for the first message of a session
	Nonce string
	// UserID is the authenticated sender; empty for guests
	UserID   string
	UserName string
	Source   string
}

// Reply is the agent's answer and the nonce for the next message
type Reply struct {
	Text      string `json:"text"`
	Nonce     string `json:"nonce"`
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
}

// Service is the session registry of every character served by this process
type Service struct {
	adapter    *store.Adapter
	characters *character.Repository
	nonces     *nonce.Manager
	memory     *memory.Store
	embeddings *llm.EmbeddingService
	knowledge  *knowledge.Base
	generators llm.Factory
	opts       Options
	log        *logger.Logger
	metrics    *observability.Metrics

	mu     sync.Mutex
	actors map[string]*actor
	closed bool

	// background evaluations
	wg sync.WaitGroup
}

// NewService creates the session service
func NewService(deps Deps, opts Options) (*Service, error) {
	if deps.Adapter == nil || deps.Characters == nil || deps.Nonces == nil {
		return nil, ErrMissingStore
	}
	log := deps.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	mem := deps.Memory
	if mem == nil {
		mem = memory.NewStore(deps.Adapter, memory.DefaultOptions(), log, metrics)
	}
	generators := deps.Generators
	if generators == nil {
		generators = llm.NewGenerator
	}
	if opts.NonceTTL <= 0 {
		opts.NonceTTL = nonce.DefaultTTL
	}
	if opts.NonceMaxRequests <= 0 {
		opts.NonceMaxRequests = nonce.DefaultMaxRequests
	}
	if opts.EvaluateTimeout <= 0 {
		opts.EvaluateTimeout = time.Minute
	}

	return &Service{
		adapter:    deps.Adapter,
		characters: deps.Characters,
		nonces:     deps.Nonces,
		memory:     mem,
		embeddings: deps.Embeddings,
		knowledge:  deps.Knowledge,
		generators: generators,
		opts:       opts,
		log:        log,
		metrics:    metrics,
		actors:     make(map[string]*actor),
	}, nil
}

// Memory returns the memory store shared by every runtime
func (s *Service) Memory() *memory.Store {
	return s.memory
}

func (s *Service) actorFor(characterID string) (*actor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	a, ok := s.actors[characterID]
	if !ok {
		a = newActor(characterID, cache.Options{
			IdleTimeout:     s.opts.IdleTimeout,
			CleanupInterval: s.opts.SweepInterval,
		})
		s.actors[characterID] = a
	}
	return a, nil
}

// Exec runs fn serialized with every other durable write of the character
func (s *Service) Exec(ctx context.Context, characterID string, fn func(ctx context.Context) error) error {
	a, err := s.actorFor(characterID)
	if err != nil {
		return err
	}
	return a.do(ctx, func() error { return fn(ctx) })
}

// InitializeSession opens a new session of the author's character in a room.
// An empty roomID creates a new room. The room's current session becomes the
// new one and its first nonce is returned.
func (s *Service) InitializeSession(ctx context.Context, author, slug, roomID string) (*Initialized, error) {
	c, err := s.characters.Get(ctx, author, slug)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s/%s", character.ErrNotFound, author, slug)
	}
	if roomID == "" {
		roomID = uuid.NewString()
	}

	a, err := s.actorFor(c.ID)
	if err != nil {
		return nil, err
	}

	var out *Initialized
	err = a.do(ctx, func() error {
		sess := models.Session{
			ID:          uuid.NewString(),
			CharacterID: c.ID,
			RoomID:      roomID,
			LastActive:  time.Now().UnixMilli(),
		}
		err := s.adapter.Transaction(ctx, func(tx *gorm.DB) error {
			if err := store.ClaimRoom(tx, roomID, c.ID); err != nil {
				return err
			}
			agent := &models.Account{ID: c.ID, Name: c.Name, Username: c.Slug}
			if err := runtime.JoinTx(tx, agent, roomID, c.ID); err != nil {
				return err
			}
			if err := tx.Create(&sess).Error; err != nil {
				return fmt.Errorf("failed to create session: %w", err)
			}
			return store.TouchRoom(tx, roomID, &sess.ID)
		})
		if err != nil {
			return err
		}

		if _, err := s.initializeSession(ctx, a, sess.ID, c); err != nil {
			return err
		}

		token, err := s.nonces.CreateNonce(ctx, roomID, sess.ID, s.opts.NonceTTL)
		if err != nil {
			return err
		}
		out = &Initialized{RoomID: roomID, SessionID: sess.ID, Nonce: token, Config: c}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.WithCharacter(c.ID).WithRoom(roomID).Info("Session initialized", "session_id", out.SessionID)
	return out, nil
}

// initializeSession returns the live runtime of the session's room, building
// it from the durable rows when the room has none. override replaces the
// character configuration of a live runtime. Runs on the actor.
func (s *Service) initializeSession(ctx context.Context, a *actor, sessionID string, override *models.Character) (*entry, error) {
	row, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if e, ok := a.sessions.Get(row.RoomID); ok && e.runtime != nil {
		if override != nil {
			e.runtime.UpdateCharacter(override)
		}
		fresh := &entry{session: *row, runtime: e.runtime}
		a.sessions.Set(row.RoomID, fresh)
		return fresh, nil
	}

	c := override
	if c == nil {
		c, err = s.characters.GetByID(ctx, row.CharacterID)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, fmt.Errorf("%w: %s", character.ErrNotFound, row.CharacterID)
		}
	}

	rt, err := s.buildRuntime(ctx, c)
	if err != nil {
		return nil, err
	}
	e := &entry{session: *row, runtime: rt}
	a.sessions.Set(row.RoomID, e)
	return e, nil
}

func (s *Service) buildRuntime(ctx context.Context, c *models.Character) (*runtime.Runtime, error) {
	provider, err := llm.ParseProvider(c.ModelProvider)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", runtime.ErrUnsupportedProvider, c.ModelProvider)
	}

	model := c.Setting("model", "")
	if model == "" && provider == s.opts.DefaultProvider {
		model = s.opts.Model
	}

	secrets := s.resolveSecrets(ctx, c)
	gen, err := s.generators(provider, secrets[provider.APIKeySetting()], model)
	if err != nil {
		return nil, err
	}

	log := s.log.WithCharacter(c.ID)
	actions := append([]*runtime.Action{runtime.RespondAction()}, s.opts.Actions...)
	evaluators := append([]*runtime.Evaluator{runtime.GoalEvaluator()}, s.opts.Evaluators...)
	return runtime.New(ctx, runtime.Config{
		Character:          c,
		Adapter:            s.adapter,
		Generator:          llm.NewService(gen, s.opts.LLMTimeout, s.opts.Retry, log),
		Memory:             s.memory,
		Embeddings:         s.embeddings,
		Knowledge:          s.knowledge,
		ConversationLength: s.opts.ConversationLength,
		Model:              model,
		Temperature:        s.opts.Temperature,
		MaxTokens:          s.opts.MaxTokens,
		ContextTokens:      s.opts.ContextTokens,
		Actions:            actions,
		Evaluators:         evaluators,
		Providers:          []runtime.Provider{runtime.TimeProvider{}},
		Logger:             s.log,
		Metrics:            s.metrics,
	})
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if sessionID == "" {
		return nil, ErrSessionNotFound
	}
	var row models.Session
	err := s.adapter.Do(ctx, func(db *gorm.DB) error {
		return db.Where("id = ?", sessionID).First(&row).Error
	})
	if store.IsNotFound(err) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// SendMessage runs one chat turn. The nonce is checked and the sender joined
// on the character's actor; state composition and the model call run off
// the actor; both messages are then committed in one transaction and only
// afterwards is the next nonce issued.
//
// A rejected nonce fails with *NonceRejectedError. A failed turn returns an
// apology Reply together with the error, and commits nothing.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (*Reply, error) {
	ctx, span := otel.Tracer("ai-character-runtime/session").Start(ctx, "session.SendMessage")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	start := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.TurnCompleted(ctx, time.Since(start).Seconds(), outcome)
	}()

	reply, err := s.sendMessage(ctx, req)
	if err != nil {
		outcome = outcomeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return reply, err
}

func (s *Service) sendMessage(ctx context.Context, req SendRequest) (*Reply, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	row, err := s.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	a, err := s.actorFor(row.CharacterID)
	if err != nil {
		return nil, err
	}

	var e *entry
	err = a.do(ctx, func() error {
		var err error
		if e, err = s.initializeSession(ctx, a, row.ID, nil); err != nil {
			return err
		}
		if !s.acceptNonce(ctx, &e.session, req.Nonce) {
			return &NonceRejectedError{SessionID: row.ID, RoomID: row.RoomID}
		}
		return s.join(ctx, e.runtime, row.RoomID, req)
	})
	if err != nil {
		return nil, err
	}

	rt := e.runtime
	agentID := rt.AgentID()
	log := rt.Logger().WithRoom(row.RoomID)

	message := &models.Memory{
		ID:       uuid.NewString(),
		Type:     models.MemoryTypeMessage,
		UserName: req.UserName,
		RoomID:   row.RoomID,
		AgentID:  agentID,
		Content:  models.Content{Text: text, Source: req.Source},
	}
	if req.UserID != "" {
		userID := req.UserID
		message.UserID = &userID
	}

	state, err := rt.ComposeState(ctx, message, nil)
	if err != nil {
		return s.failTurn(ctx, a, rt, row, err)
	}

	var responses []*models.Memory
	callback := func(_ context.Context, content models.Content) error {
		responses = append(responses, &models.Memory{
			ID:       uuid.NewString(),
			Type:     models.MemoryTypeMessage,
			UserID:   &agentID,
			UserName: rt.Character().Name,
			RoomID:   row.RoomID,
			AgentID:  agentID,
			Content:  content,
		})
		return nil
	}
	chosen := []models.Memory{{Content: models.Content{Action: runtime.RespondActionName}}}
	didRespond, err := rt.ProcessActions(ctx, message, chosen, state, callback)
	if err != nil {
		return s.failTurn(ctx, a, rt, row, err)
	}

	reply := &Reply{SessionID: row.ID, RoomID: row.RoomID}
	err = a.do(ctx, func() error {
		// a caller that gave up must not get a committed turn behind its back
		if err := ctx.Err(); err != nil {
			return err
		}
		written := append([]*models.Memory{message}, responses...)
		err := s.adapter.Transaction(ctx, func(tx *gorm.DB) error {
			for _, m := range written {
				if err := s.memory.InsertTx(tx, m, true); err != nil {
					return err
				}
			}
			now := time.Now().UnixMilli()
			if err := tx.Model(&models.Session{}).Where("id = ?", row.ID).Updates(map[string]any{
				"turns":       gorm.Expr("turns + 1"),
				"last_active": now,
			}).Error; err != nil {
				return err
			}
			return store.TouchRoom(tx, row.RoomID, nil)
		})
		if err != nil {
			return fmt.Errorf("failed to commit turn: %w", err)
		}
		s.memory.Committed(ctx, written...)

		// the turn is durable; its nonce is issued even if ctx ends now
		token, err := s.nonces.CreateNonce(context.WithoutCancel(ctx), row.RoomID, row.ID, s.opts.NonceTTL)
		if err != nil {
			return err
		}
		reply.Nonce = token
		return nil
	})
	if err != nil {
		log.LogError(err, "Chat turn not committed", "session_id", row.ID)
		return s.failTurn(ctx, a, rt, row, err)
	}

	texts := make([]string, 0, len(responses))
	for _, r := range responses {
		texts = append(texts, r.Content.Text)
	}
	reply.Text = strings.Join(texts, "\n")

	s.evaluate(ctx, rt, message, state, didRespond)
	return reply, nil
}

// acceptNonce validates the presented token. Without one, only the unused
// nonce issued with a session that has no committed turn is accepted.
func (s *Service) acceptNonce(ctx context.Context, sess *models.Session, token string) bool {
	if token != "" {
		return s.nonces.ValidateNonce(ctx, sess.ID, token, s.opts.NonceMaxRequests)
	}
	if sess.Turns > 0 {
		return false
	}
	return s.nonces.ClaimUnused(ctx, sess.ID)
}

// join records an authenticated sender as a room participant with a
// relationship to the agent
func (s *Service) join(ctx context.Context, rt *runtime.Runtime, roomID string, req SendRequest) error {
	if req.UserID == "" || req.UserID == rt.AgentID() {
		return nil
	}
	account := &models.Account{ID: req.UserID, Name: req.UserName, Username: req.UserName}
	err := s.adapter.Transaction(ctx, func(tx *gorm.DB) error {
		return runtime.JoinTx(tx, account, roomID, rt.AgentID())
	})
	if err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	if err := rt.Relationships().Ensure(ctx, req.UserID, rt.AgentID(), "active"); err != nil {
		rt.Logger().Warn("Failed to ensure relationship", "user_id", req.UserID, "error", err.Error())
	}
	return nil
}

// failTurn answers with the character's apology and a fresh nonce, so the
// client can retry the turn
func (s *Service) failTurn(ctx context.Context, a *actor, rt *runtime.Runtime, row *models.Session, cause error) (*Reply, error) {
	rt.Logger().WithRoom(row.RoomID).LogError(cause, "Chat turn failed", "session_id", row.ID)

	reply := &Reply{
		Text:      runtime.ApologyMessage(rt.Character()),
		SessionID: row.ID,
		RoomID:    row.RoomID,
	}
	detached := context.WithoutCancel(ctx)
	err := a.do(detached, func() error {
		token, err := s.nonces.CreateNonce(detached, row.RoomID, row.ID, s.opts.NonceTTL)
		reply.Nonce = token
		return err
	})
	if err != nil {
		rt.Logger().LogError(err, "Failed to reissue nonce", "session_id", row.ID)
	}
	return reply, cause
}

// evaluate runs the post-turn evaluators in the background
func (s *Service) evaluate(ctx context.Context, rt *runtime.Runtime, message *models.Memory, state *runtime.State, didRespond bool) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.EvaluateTimeout)
		defer cancel()

		ran, err := rt.Evaluate(ctx, message, state, didRespond)
		if err != nil {
			rt.Logger().Warn("Evaluation failed", "room_id", message.RoomID, "error", err.Error())
			return
		}
		if len(ran) > 0 {
			rt.Logger().Debug("Evaluators ran", "room_id", message.RoomID, "evaluators", ran)
		}
	}()
}

// Invalidate drops the live runtimes of a character; they rehydrate from the
// durable rows on the next request
func (s *Service) Invalidate(characterID string) {
	s.mu.Lock()
	a, ok := s.actors[characterID]
	s.mu.Unlock()
	if ok {
		a.sessions.Flush()
	}
}

// Forget stops the character's actor and drops its in-process indexes.
// Called after the character is deleted.
func (s *Service) Forget(ctx context.Context, characterID string) {
	s.mu.Lock()
	a, ok := s.actors[characterID]
	delete(s.actors, characterID)
	s.mu.Unlock()
	if ok {
		a.stop()
	}
	s.memory.Forget(ctx, characterID)
	if s.knowledge != nil {
		s.knowledge.Forget(characterID)
	}
}

// Close stops every actor and waits for background evaluations
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	actors := s.actors
	s.actors = make(map[string]*actor)
	s.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	s.wg.Wait()
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNonceRejected):
		return "nonce_rejected"
	case errors.Is(err, llm.ErrResponseTimeout):
		return "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
