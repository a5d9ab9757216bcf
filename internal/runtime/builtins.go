package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ai-character-runtime/backend/internal/models"
)

// RespondActionName is the built-in conversational reply
const RespondActionName = "RESPOND"

// DefaultApology is sent to chat users when a turn fails
const DefaultApology = "Sorry, I'm having trouble responding right now. Could you say that again in a moment?"

// ApologyMessage returns the safe in-character reply used when a turn fails.
// Characters may override it with the "apologyMessage" setting.
func ApologyMessage(character *models.Character) string {
	if character == nil {
		return DefaultApology
	}
	return character.Setting("apologyMessage", DefaultApology)
}

const respondTemplate = `# About {{agentName}}
{{bio}}
{{lore}}

{{agentName}} is {{adjectives}} and likes to talk about {{topics}}.

# Knowledge
{{knowledge}}

# Style
{{style}}

# Example conversations
{{messageExamples}}

# Participants
{{actors}}

# Goals
{{goals}}

# Context
{{providers}}

# Earlier conversations with {{senderName}}
{{recentInteractions}}

# Conversation
{{recentMessages}}
{{pendingMessage}}

Write the next message for {{agentName}} in reply to {{senderName}}. Respond with the message text only.`

// RespondAction generates a reply with the language model
func RespondAction() *Action {
	return &Action{
		Name:        RespondActionName,
		Similes:     []string{"REPLY", "CHAT", "CONTINUE", "ANSWER"},
		Description: "Reply to the latest message in character.",
		Handler: func(ctx context.Context, rt *Runtime, message *models.Memory, state *State, callback Callback) error {
			character := rt.Character()
			system := character.Setting("system", "You are "+character.Name+". Stay in character.")

			prompt := Render(character.Setting("template", respondTemplate), state.Values())

			text, err := rt.GenerateText(ctx, system, prompt)
			if err != nil {
				return err
			}

			return callback(ctx, models.Content{
				Text:      cleanReply(text, character.Name),
				Action:    RespondActionName,
				Source:    message.Content.Source,
				InReplyTo: message.ID,
			})
		},
	}
}

// GoalEvaluatorName is the built-in goal progress tracker
const GoalEvaluatorName = "UPDATE_GOAL"

const goalTemplate = `TASK: Update the progress of the goals below based on the conversation.

# Conversation
{{recentMessages}}
{{pendingMessage}}

# Goals
{{openGoals}}

Respond with a JSON array holding only the goals that changed, for example
[{"id": "<goal id>", "status": "IN_PROGRESS", "objectives": [{"description": "<objective>", "completed": true}]}].
Status is one of IN_PROGRESS, DONE or FAILED. Respond with [] if nothing changed.`

type goalUpdate struct {
	ID         string             `json:"id"`
	Status     string             `json:"status"`
	Objectives []models.Objective `json:"objectives"`
}

// GoalEvaluator marks objectives completed and closes goals the
// conversation has finished or abandoned. It is a candidate only while the
// room has a goal in progress.
func GoalEvaluator() *Evaluator {
	return &Evaluator{
		Name:        GoalEvaluatorName,
		Similes:     []string{"UPDATE_GOALS", "GOAL_PROGRESS"},
		Description: "Update goal and objective progress from the conversation.",
		Validate: func(_ context.Context, _ *Runtime, _ *models.Memory, state *State) bool {
			for _, g := range state.GoalsData {
				if g.Status == models.GoalInProgress {
					return true
				}
			}
			return false
		},
		Handler: func(ctx context.Context, rt *Runtime, message *models.Memory, state *State) error {
			open, err := rt.Goals().GetGoals(ctx, GoalQuery{RoomID: message.RoomID, OnlyInProgress: true})
			if err != nil {
				return err
			}
			if len(open) == 0 {
				return nil
			}

			byID := make(map[string]models.Goal, len(open))
			lines := make([]string, 0, len(open))
			for _, g := range open {
				byID[g.ID] = g
				lines = append(lines, fmt.Sprintf("id: %s\n%s", g.ID, formatGoals([]models.Goal{g})))
			}
			values := state.Values()
			values["openGoals"] = strings.Join(lines, "\n\n")

			out, err := rt.GenerateText(ctx, "", Render(goalTemplate, values))
			if err != nil {
				return err
			}

			for _, u := range parseGoalUpdates(out) {
				g, ok := byID[u.ID]
				if !ok {
					continue
				}
				if u.Status != "" {
					g.Status = u.Status
				}
				if len(u.Objectives) > 0 {
					g.Objectives = u.Objectives
				}
				if err := rt.Goals().UpdateGoal(ctx, &g); err != nil {
					rt.log.Warn("Failed to update goal", "goal_id", g.ID, "error", err.Error())
				}
			}
			return nil
		},
	}
}

// parseGoalUpdates reads the JSON array of a goal update reply. Unparseable
// output yields no updates.
func parseGoalUpdates(text string) []goalUpdate {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil
	}
	var updates []goalUpdate
	if err := json.Unmarshal([]byte(text[start:end+1]), &updates); err != nil {
		return nil
	}
	return updates
}

// cleanReply strips a leading "Name:" the model sometimes echoes
func cleanReply(text, agentName string) string {
	text = strings.TrimSpace(text)
	prefix := agentName + ":"
	if agentName != "" && strings.HasPrefix(text, prefix) {
		text = strings.TrimSpace(strings.TrimPrefix(text, prefix))
	}
	return text
}

// TimeProvider contributes the current UTC time
type TimeProvider struct {
	Now func() time.Time
}

// Name implements Provider
func (TimeProvider) Name() string {
	return "time"
}

// Get implements Provider
func (p TimeProvider) Get(context.Context, *Runtime, *models.Memory, *State) (string, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return "The current date and time is " + now().UTC().Format("Monday, January 2, 2006 15:04 MST") + ".", nil
}
