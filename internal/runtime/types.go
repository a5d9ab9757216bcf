package runtime

import (
	"context"

	"ai-character-runtime/backend/internal/knowledge"
	"ai-character-runtime/backend/internal/models"
)

// Callback receives the content an action wants to emit as the agent's reply
type Callback func(ctx context.Context, content models.Content) error

// Validator decides whether a behavior applies to the message and draft state
type Validator func(ctx context.Context, rt *Runtime, message *models.Memory, state *State) bool

// ActionHandler performs an action
type ActionHandler func(ctx context.Context, rt *Runtime, message *models.Memory, state *State, callback Callback) error

// EvaluatorHandler runs a post-turn analysis
type EvaluatorHandler func(ctx context.Context, rt *Runtime, message *models.Memory, state *State) error

// Action is a behavior the runtime can dispatch in response to a message
type Action struct {
	Name        string
	Similes     []string
	Description string
	// Validate nil means always applicable
	Validate Validator
	Handler  ActionHandler
}

// Evaluator is a post-turn analysis routine
type Evaluator struct {
	Name        string
	Similes     []string
	Description string
	// AlwaysRun keeps the evaluator eligible on turns that produced no response
	AlwaysRun bool
	Validate  Validator
	Handler   EvaluatorHandler
}

// Provider contributes a text block to every composed state
type Provider interface {
	Name() string
	Get(ctx context.Context, rt *Runtime, message *models.Memory, state *State) (string, error)
}

// State is the composed conversation context of one turn. It is built fresh
// for every call to ComposeState and never shared between turns.
type State struct {
	AgentID    string
	AgentName  string
	RoomID     string
	SenderID   string
	SenderName string

	Bio             string
	Lore            string
	Topics          string
	Adjectives      string
	Style           string
	MessageExamples string
	PostExamples    string

	Actors                 string
	RecentMessages         string
	RecentMessagesData     []models.Memory
	PendingMessage         string
	Goals                  string
	GoalsData              []models.Goal
	Knowledge              string
	KnowledgeData          []knowledge.Item
	RecentInteractions     string
	RecentInteractionsData []models.Memory
	Providers              string

	ActionNames    string
	Actions        string
	ActionsData    []*Action
	Evaluators     string
	EvaluatorsData []*Evaluator

	Extra map[string]string
}

// Values exposes the state as template keys
func (s *State) Values() map[string]string {
	v := map[string]string{
		"agentName":          s.AgentName,
		"senderName":         s.SenderName,
		"roomId":             s.RoomID,
		"bio":                s.Bio,
		"lore":               s.Lore,
		"topics":             s.Topics,
		"adjectives":         s.Adjectives,
		"style":              s.Style,
		"messageExamples":    s.MessageExamples,
		"postExamples":       s.PostExamples,
		"actors":             s.Actors,
		"recentMessages":     s.RecentMessages,
		"pendingMessage":     s.PendingMessage,
		"goals":              s.Goals,
		"knowledge":          s.Knowledge,
		"recentInteractions": s.RecentInteractions,
		"providers":          s.Providers,
		"actionNames":        s.ActionNames,
		"actions":            s.Actions,
		"evaluators":         s.Evaluators,
	}
	for k, val := range s.Extra {
		v[k] = val
	}
	return v
}
