package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"ai-character-runtime/backend/internal/models"
)

// ResolveAction maps a model-chosen label to a registered action
func (rt *Runtime) ResolveAction(label string) (*Action, bool) {
	rt.regMu.RLock()
	defer rt.regMu.RUnlock()
	return rt.actionIndex.Resolve(label)
}

// ResolveEvaluator maps a model-chosen label to a registered evaluator
func (rt *Runtime) ResolveEvaluator(label string) (*Evaluator, bool) {
	rt.regMu.RLock()
	defer rt.regMu.RUnlock()
	return rt.evaluatorIdx.Resolve(label)
}

// ProcessActions selects exactly one action for the turn: the first response,
// in order, whose declared action resolves to a registered handler. When no
// response resolves, the turn ends without a side effect. It reports whether
// a handler ran.
func (rt *Runtime) ProcessActions(ctx context.Context, message *models.Memory, responses []models.Memory, state *State, callback Callback) (bool, error) {
	for _, response := range responses {
		label := response.Content.Action
		if label == "" {
			continue
		}

		action, ok := rt.ResolveAction(label)
		if !ok {
			rt.log.Info("No action matched response", "action", label, "room_id", message.RoomID)
			continue
		}
		if action.Handler == nil {
			rt.log.Warn("Action has no handler", "action", action.Name)
			continue
		}

		if err := action.Handler(ctx, rt, message, state, callback); err != nil {
			return false, fmt.Errorf("action %s: %w", action.Name, err)
		}
		return true, nil
	}
	return false, nil
}

// evaluationTemplate asks the model which candidate evaluators apply
const evaluationTemplate = `TASK: Decide which of the evaluators below are relevant to the latest exchange.

# Recent messages
{{recentMessages}}

# Latest message from {{senderName}}
{{latestMessage}}

# Evaluators
{{candidates}}

Respond with a JSON array of the relevant evaluator names, for example ["NAME_ONE"]. Respond with [] if none apply.`

// Evaluate runs post-turn evaluators. Candidates pass their validate
// predicate (turns without a response only consider AlwaysRun evaluators);
// one model call then picks which candidates actually apply. Returns the
// names of the evaluators that ran.
func (rt *Runtime) Evaluate(ctx context.Context, message *models.Memory, state *State, didRespond bool) ([]string, error) {
	rt.regMu.RLock()
	evaluators := append([]*Evaluator(nil), rt.evaluators...)
	rt.regMu.RUnlock()

	var candidates []*Evaluator
	for _, e := range evaluators {
		if !didRespond && !e.AlwaysRun {
			continue
		}
		if e.Validate != nil && !e.Validate(ctx, rt, message, state) {
			continue
		}
		candidates = append(candidates, e)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	lines := make([]string, 0, len(candidates))
	for _, e := range candidates {
		lines = append(lines, fmt.Sprintf("%s: %s", e.Name, e.Description))
	}
	values := state.Values()
	values["latestMessage"] = message.Content.Text
	values["candidates"] = strings.Join(lines, "\n")

	out, err := rt.GenerateText(ctx, "", Render(evaluationTemplate, values))
	if err != nil {
		return nil, fmt.Errorf("evaluator selection: %w", err)
	}

	allowed := make(map[*Evaluator]bool, len(candidates))
	for _, e := range candidates {
		allowed[e] = true
	}

	var ran []string
	done := make(map[*Evaluator]bool)
	for _, name := range ParseNameList(out) {
		e, ok := rt.ResolveEvaluator(name)
		if !ok || !allowed[e] || done[e] {
			continue
		}
		done[e] = true
		if e.Handler == nil {
			continue
		}
		if err := e.Handler(ctx, rt, message, state); err != nil {
			rt.log.Warn("Evaluator failed", "evaluator", e.Name, "error", err.Error())
			continue
		}
		ran = append(ran, e.Name)
	}
	return ran, nil
}

var quotedName = regexp.MustCompile(`"([^"]+)"|'([^']+)'`)

// ParseNameList extracts a list of names from model output. A JSON array is
// preferred; otherwise quoted strings, then comma separated words are used.
func ParseNameList(text string) []string {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		var names []string
		if err := json.Unmarshal([]byte(text[start:end+1]), &names); err == nil {
			return names
		}
		text = text[start+1 : end]
	}

	if matches := quotedName.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			if m[1] != "" {
				names = append(names, m[1])
			} else {
				names = append(names, m[2])
			}
		}
		return names
	}

	var names []string
	for _, part := range strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' }) {
		if p := strings.TrimSpace(part); p != "" {
			names = append(names, p)
		}
	}
	return names
}
