package runtime

import (
	"context"
	"fmt"
	"strings"

	"ai-character-runtime/backend/internal/knowledge"
	"ai-character-runtime/backend/internal/memory"
	"ai-character-runtime/backend/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// Sample sizes keep the prompt bounded while varying it between turns
const (
	loreSampleSize           = 10
	messageExampleSampleSize = 5
	postExampleSampleSize    = 10
	topicSampleSize          = 5
	adjectiveSampleSize      = 3
	goalCount                = 10
	knowledgeCount           = 5
	interactionCount         = 20
)

// ComposeState gathers everything the model needs for one turn. It only
// reads, so it may be called repeatedly for the same message. extra is
// merged into the state's template values.
func (rt *Runtime) ComposeState(ctx context.Context, message *models.Memory, extra map[string]string) (*State, error) {
	ctx, span := otel.Tracer("ai-character-runtime/runtime").Start(ctx, "runtime.ComposeState")
	defer span.End()
	span.SetAttributes(attribute.String("room.id", message.RoomID))

	character := rt.Character()
	senderID := ""
	if message.UserID != nil {
		senderID = *message.UserID
	}

	var (
		actors       []Actor
		recent       []models.Memory
		goals        []models.Goal
		items        []knowledge.Item
		interactions []models.Memory
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		actors, err = rt.actors.GetActorDetails(gctx, message.RoomID)
		if err != nil {
			rt.log.Warn("Actor lookup failed", "room_id", message.RoomID, "error", err.Error())
		}
		return gctx.Err()
	})
	g.Go(func() error {
		recent = rt.memory.GetMemories(gctx, memory.GetOptions{
			RoomID:  message.RoomID,
			AgentID: rt.agentID,
			Count:   rt.conversationLength,
			Type:    models.MemoryTypeMessage,
		})
		return gctx.Err()
	})
	g.Go(func() error {
		var err error
		goals, err = rt.goals.GetGoals(gctx, GoalQuery{RoomID: message.RoomID, Count: goalCount})
		if err != nil {
			rt.log.Warn("Goal lookup failed", "room_id", message.RoomID, "error", err.Error())
		}
		return gctx.Err()
	})
	g.Go(func() error {
		if rt.knowledge == nil || rt.embeddings == nil || message.Content.Text == "" {
			return nil
		}
		var err error
		items, err = rt.knowledge.Search(gctx, rt.agentID, rt.embeddings.Embed(gctx, message.Content.Text), knowledgeCount)
		if err != nil {
			rt.log.Warn("Knowledge lookup failed", "error", err.Error())
		}
		return gctx.Err()
	})
	g.Go(func() error {
		if senderID == "" || senderID == rt.agentID {
			return nil
		}
		rooms, err := rt.actors.SharedRooms(gctx, senderID, rt.agentID)
		if err != nil {
			rt.log.Warn("Shared room lookup failed", "error", err.Error())
			return gctx.Err()
		}
		interactions = rt.memory.GetMemoriesByRoomIDs(gctx, rt.agentID, excluding(rooms, message.RoomID), interactionCount)
		return gctx.Err()
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// memories come back newest first; the prompt reads oldest first
	chronological(recent)
	chronological(interactions)

	names := actorNames(actors, character)

	// the message of the turn being answered is usually not durable yet
	pending := ""
	if message.Content.Text != "" && !containsMemory(recent, message.ID) {
		pending = formatMessage(*message, names, rt.agentID, character.Name)
	}
	state := &State{
		AgentID:    rt.agentID,
		AgentName:  character.Name,
		RoomID:     message.RoomID,
		SenderID:   senderID,
		SenderName: senderName(message, names),

		Bio:             character.Bio,
		Lore:            strings.Join(sample(rt, character.Lore, loreSampleSize), "\n"),
		Topics:          strings.Join(sample(rt, character.Topics, topicSampleSize), ", "),
		Adjectives:      strings.Join(sample(rt, character.Adjectives, adjectiveSampleSize), ", "),
		Style:           formatStyle(character.Style),
		MessageExamples: formatMessageExamples(sample(rt, character.MessageExamples, messageExampleSampleSize), character.Name),
		PostExamples:    strings.Join(sample(rt, character.PostExamples, postExampleSampleSize), "\n"),

		Actors:                 formatActors(actors),
		RecentMessages:         formatMessages(recent, names, rt.agentID, character.Name),
		RecentMessagesData:     recent,
		PendingMessage:         pending,
		Goals:                  formatGoals(goals),
		GoalsData:              goals,
		Knowledge:              formatKnowledge(items),
		KnowledgeData:          items,
		RecentInteractions:     formatMessages(interactions, names, rt.agentID, character.Name),
		RecentInteractionsData: interactions,

		Extra: extra,
	}

	state.Providers = rt.runProviders(ctx, message, state)
	rt.filterBehaviors(ctx, message, state)

	return state, nil
}

func (rt *Runtime) runProviders(ctx context.Context, message *models.Memory, state *State) string {
	rt.regMu.RLock()
	providers := append([]Provider(nil), rt.providers...)
	rt.regMu.RUnlock()

	var blocks []string
	for _, p := range providers {
		text, err := p.Get(ctx, rt, message, state)
		if err != nil {
			rt.log.Warn("Provider failed", "provider", p.Name(), "error", err.Error())
			continue
		}
		if text != "" {
			blocks = append(blocks, text)
		}
	}
	return strings.Join(blocks, "\n")
}

// filterBehaviors keeps the actions and evaluators whose validate predicate
// accepts the draft state
func (rt *Runtime) filterBehaviors(ctx context.Context, message *models.Memory, state *State) {
	rt.regMu.RLock()
	actions := append([]*Action(nil), rt.actions...)
	evaluators := append([]*Evaluator(nil), rt.evaluators...)
	rt.regMu.RUnlock()

	var actionNames, actionLines []string
	for _, a := range actions {
		if a.Validate != nil && !a.Validate(ctx, rt, message, state) {
			continue
		}
		state.ActionsData = append(state.ActionsData, a)
		actionNames = append(actionNames, a.Name)
		actionLines = append(actionLines, fmt.Sprintf("%s: %s", a.Name, a.Description))
	}

	var evaluatorLines []string
	for _, e := range evaluators {
		if e.Validate != nil && !e.Validate(ctx, rt, message, state) {
			continue
		}
		state.EvaluatorsData = append(state.EvaluatorsData, e)
		evaluatorLines = append(evaluatorLines, fmt.Sprintf("%s: %s", e.Name, e.Description))
	}

	state.ActionNames = strings.Join(actionNames, ", ")
	state.Actions = strings.Join(actionLines, "\n")
	state.Evaluators = strings.Join(evaluatorLines, "\n")
}

func excluding(ids []string, skip string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != skip {
			out = append(out, id)
		}
	}
	return out
}

func containsMemory(memories []models.Memory, id string) bool {
	if id == "" {
		return false
	}
	for _, m := range memories {
		if m.ID == id {
			return true
		}
	}
	return false
}

func chronological(memories []models.Memory) {
	for i, j := 0, len(memories)-1; i < j; i, j = i+1, j-1 {
		memories[i], memories[j] = memories[j], memories[i]
	}
}
