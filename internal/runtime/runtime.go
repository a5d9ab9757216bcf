// Package runtime is the agent runtime of one character: it composes the
// conversation state of a turn from the memory, goal, actor and knowledge
// stores, dispatches actions and runs evaluators.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ai-character-runtime/backend/internal/knowledge"
	"ai-character-runtime/backend/internal/llm"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/models"
	"ai-character-runtime/backend/internal/store"
	"ai-character-runtime/backend/pkg/logger"
	"ai-character-runtime/backend/pkg/observability"

	"gorm.io/gorm"
)

// Construction errors. A runtime that fails with either is unusable.
var (
	ErrMissingAdapter      = errors.New("runtime: no durable-store adapter supplied")
	ErrUnsupportedProvider = errors.New("runtime: unsupported model provider")
	ErrMissingCharacter    = errors.New("runtime: no character supplied")
)

// DefaultConversationLength is the size of the rolling message window
const DefaultConversationLength = 32

// Config wires a runtime. Adapter and Character are required.
type Config struct {
	Character *models.Character
	Adapter   *store.Adapter
	Generator llm.TextGenerator

	// Memory defaults to a fresh store over Adapter
	Memory     *memory.Store
	Embeddings *llm.EmbeddingService
	Knowledge  *knowledge.Base

	ConversationLength int
	Model              string
	Temperature        float64
	MaxTokens          int
	ContextTokens      int

	Actions    []*Action
	Evaluators []*Evaluator
	Providers  []Provider

	// Seed fixes the sampling of lore and examples; zero uses the clock
	Seed int64

	Logger  *logger.Logger
	Metrics *observability.Metrics
}

// Runtime is the AgentRuntime of one character
type Runtime struct {
	agentID  string
	provider llm.Provider

	charMu    sync.RWMutex
	character *models.Character

	adapter       *store.Adapter
	generator     llm.TextGenerator
	memory        *memory.Store
	embeddings    *llm.EmbeddingService
	knowledge     *knowledge.Base
	goals         *GoalManager
	actors        *ActorDirectory
	relationships *RelationshipManager

	conversationLength int
	model              string
	temperature        float64
	maxTokens          int
	contextTokens      int

	regMu        sync.RWMutex
	actions      []*Action
	actionIndex  *Matcher[*Action]
	evaluators   []*Evaluator
	evaluatorIdx *Matcher[*Evaluator]
	providers    []Provider

	randMu sync.Mutex
	rand   *rand.Rand

	log     *logger.Logger
	metrics *observability.Metrics
}

// New builds a runtime and makes sure the agent's own account, room and
// participant rows exist.
func New(ctx context.Context, cfg Config) (*Runtime, error) {
	if cfg.Adapter == nil {
		return nil, ErrMissingAdapter
	}
	if cfg.Character == nil {
		return nil, ErrMissingCharacter
	}
	provider, err := llm.ParseProvider(cfg.Character.ModelProvider)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Character.ModelProvider)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetGlobal()
	}
	log = log.WithCharacter(cfg.Character.ID)

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	mem := cfg.Memory
	if mem == nil {
		mem = memory.NewStore(cfg.Adapter, memory.DefaultOptions(), log, metrics)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	length := cfg.ConversationLength
	if length <= 0 {
		length = DefaultConversationLength
	}

	model := cfg.Model
	if model == "" {
		model = cfg.Character.Setting("model", provider.DefaultModel())
	}

	rt := &Runtime{
		agentID:            cfg.Character.ID,
		provider:           provider,
		character:          cfg.Character,
		adapter:            cfg.Adapter,
		generator:          cfg.Generator,
		memory:             mem,
		embeddings:         cfg.Embeddings,
		knowledge:          cfg.Knowledge,
		goals:              NewGoalManager(cfg.Adapter),
		actors:             NewActorDirectory(cfg.Adapter),
		relationships:      NewRelationshipManager(cfg.Adapter),
		conversationLength: length,
		model:              model,
		temperature:        cfg.Temperature,
		maxTokens:          cfg.MaxTokens,
		contextTokens:      cfg.ContextTokens,
		actionIndex:        NewMatcher[*Action](),
		evaluatorIdx:       NewMatcher[*Evaluator](),
		rand:               rand.New(rand.NewSource(seed)),
		log:                log,
		metrics:            metrics,
	}

	for _, a := range cfg.Actions {
		rt.RegisterAction(a)
	}
	for _, e := range cfg.Evaluators {
		rt.RegisterEvaluator(e)
	}
	for _, p := range cfg.Providers {
		rt.RegisterProvider(p)
	}

	if err := rt.ensureIdentity(ctx); err != nil {
		return nil, err
	}

	if rt.knowledge != nil && len(cfg.Character.Knowledge) > 0 {
		if err := rt.knowledge.Load(ctx, rt.agentID, cfg.Character.Knowledge); err != nil {
			rt.log.Warn("Failed to load character knowledge", "error", err.Error())
		}
	}

	return rt, nil
}

func (rt *Runtime) ensureIdentity(ctx context.Context) error {
	c := rt.Character()
	account := &models.Account{ID: rt.agentID, Name: c.Name, Username: c.Slug}
	err := rt.adapter.Transaction(ctx, func(tx *gorm.DB) error {
		return JoinTx(tx, account, rt.agentID, rt.agentID)
	})
	if err != nil {
		return fmt.Errorf("failed to ensure agent identity: %w", err)
	}
	return nil
}

// RegisterAction adds an action. Registration order decides ties in resolution.
func (rt *Runtime) RegisterAction(a *Action) {
	rt.regMu.Lock()
	defer rt.regMu.Unlock()
	rt.actions = append(rt.actions, a)
	rt.actionIndex.Register(a.Name, a.Similes, a)
}

// RegisterEvaluator adds an evaluator
func (rt *Runtime) RegisterEvaluator(e *Evaluator) {
	rt.regMu.Lock()
	defer rt.regMu.Unlock()
	rt.evaluators = append(rt.evaluators, e)
	rt.evaluatorIdx.Register(e.Name, e.Similes, e)
}

// RegisterProvider adds a context provider
func (rt *Runtime) RegisterProvider(p Provider) {
	rt.regMu.Lock()
	defer rt.regMu.Unlock()
	rt.providers = append(rt.providers, p)
}

// AgentID returns the character id the runtime acts as
func (rt *Runtime) AgentID() string {
	return rt.agentID
}

// Provider returns the model provider of the character
func (rt *Runtime) Provider() llm.Provider {
	return rt.provider
}

// Character returns the active character configuration
func (rt *Runtime) Character() *models.Character {
	rt.charMu.RLock()
	defer rt.charMu.RUnlock()
	return rt.character
}

// UpdateCharacter swaps in an updated configuration of the same character.
// Settings present in the update are merged over the current ones.
func (rt *Runtime) UpdateCharacter(updated *models.Character) {
	if updated == nil || updated.ID != rt.agentID {
		return
	}
	rt.charMu.Lock()
	defer rt.charMu.Unlock()

	merged := *updated
	settings := make(map[string]any, len(rt.character.Settings)+len(updated.Settings))
	for k, v := range rt.character.Settings {
		settings[k] = v
	}
	for k, v := range updated.Settings {
		settings[k] = v
	}
	merged.Settings = settings
	rt.character = &merged
}

// Memory returns the memory manager
func (rt *Runtime) Memory() *memory.Store {
	return rt.memory
}

// Goals returns the goal manager
func (rt *Runtime) Goals() *GoalManager {
	return rt.goals
}

// Actors returns the actor directory
func (rt *Runtime) Actors() *ActorDirectory {
	return rt.actors
}

// Relationships returns the relationship manager
func (rt *Runtime) Relationships() *RelationshipManager {
	return rt.relationships
}

// ConversationLength is the number of recent messages composed into state
func (rt *Runtime) ConversationLength() int {
	return rt.conversationLength
}

// Logger returns the character-scoped logger
func (rt *Runtime) Logger() *logger.Logger {
	return rt.log
}

// GenerateText calls the language model with the runtime's sampling settings
func (rt *Runtime) GenerateText(ctx context.Context, system, prompt string) (string, error) {
	if rt.generator == nil {
		return "", errors.New("runtime: no text generator configured")
	}
	return rt.generator.GenerateText(ctx, llm.Request{
		System:        system,
		Prompt:        prompt,
		Model:         rt.model,
		Temperature:   rt.temperature,
		MaxTokens:     rt.maxTokens,
		ContextTokens: rt.contextTokens,
	})
}

// sample returns up to n elements of items in random order
func sample[T any](rt *Runtime, items []T, n int) []T {
	if len(items) == 0 || n <= 0 {
		return nil
	}
	rt.randMu.Lock()
	perm := rt.rand.Perm(len(items))
	rt.randMu.Unlock()

	if n > len(items) {
		n = len(items)
	}
	out := make([]T, 0, n)
	for _, i := range perm[:n] {
		out = append(out, items[i])
	}
	return out
}
