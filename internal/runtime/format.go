package runtime

import (
	"fmt"
	"strings"

	"ai-character-runtime/backend/internal/knowledge"
	"ai-character-runtime/backend/internal/models"
)

func actorNames(actors []Actor, character *models.Character) map[string]string {
	names := make(map[string]string, len(actors)+1)
	for _, a := range actors {
		names[a.ID] = a.Name
	}
	names[character.ID] = character.Name
	return names
}

func senderName(message *models.Memory, names map[string]string) string {
	if message.UserName != "" {
		return message.UserName
	}
	if message.UserID != nil {
		if n, ok := names[*message.UserID]; ok && n != "" {
			return n
		}
	}
	return "User"
}

func formatActors(actors []Actor) string {
	lines := make([]string, 0, len(actors))
	for _, a := range actors {
		line := a.Name
		if a.Username != "" && a.Username != a.Name {
			line += fmt.Sprintf(" (@%s)", a.Username)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatMessages(memories []models.Memory, names map[string]string, agentID, agentName string) string {
	lines := make([]string, 0, len(memories))
	for _, m := range memories {
		lines = append(lines, formatMessage(m, names, agentID, agentName))
	}
	return strings.Join(lines, "\n")
}

func formatMessage(m models.Memory, names map[string]string, agentID, agentName string) string {
	speaker := m.UserName
	switch {
	case m.UserID != nil && *m.UserID == agentID:
		speaker = agentName
	case speaker == "" && m.UserID != nil:
		speaker = names[*m.UserID]
	}
	if speaker == "" {
		speaker = "User"
	}

	line := fmt.Sprintf("%s: %s", speaker, m.Content.Text)
	if m.Content.Action != "" && Normalize(m.Content.Action) != Normalize(RespondActionName) {
		line += fmt.Sprintf(" (%s)", m.Content.Action)
	}
	return line
}

func formatGoals(goals []models.Goal) string {
	var sb strings.Builder
	for i, g := range goals {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Goal: %s [%s]", g.Name, g.Status)
		for _, o := range g.Objectives {
			mark := " "
			if o.Completed {
				mark = "x"
			}
			fmt.Fprintf(&sb, "\n- [%s] %s", mark, o.Description)
		}
	}
	return sb.String()
}

func formatKnowledge(items []knowledge.Item) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, "- "+it.Text)
	}
	return strings.Join(lines, "\n")
}

func formatStyle(style models.Style) string {
	directives := append(append([]string(nil), style.All...), style.Chat...)
	return strings.Join(directives, "\n")
}

func formatMessageExamples(examples [][]models.MessageExample, agentName string) string {
	blocks := make([]string, 0, len(examples))
	for _, exchange := range examples {
		lines := make([]string, 0, len(exchange))
		for _, line := range exchange {
			user := strings.ReplaceAll(line.User, "{{agentName}}", agentName)
			lines = append(lines, fmt.Sprintf("%s: %s", user, line.Content.Text))
		}
		blocks = append(blocks, strings.Join(lines, "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

// Render substitutes {{key}} placeholders with state values. Unknown keys are left as is.
func Render(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*2)
	for k, v := range values {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
