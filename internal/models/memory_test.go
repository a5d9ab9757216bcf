package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeContent(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Content
	}{
		{"structured", `{"text":"hello","action":"respond"}`, Content{Text: "hello", Action: "respond"}},
		{"legacy raw text", "just words", Content{Text: "just words"}},
		{"legacy json string", `"quoted words"`, Content{Text: "quoted words"}},
		{"broken object falls back to raw", `{"text":`, Content{Text: `{"text":`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeContent(tt.raw))
		})
	}
}

func TestCharacterEntriesRoundTrip(t *testing.T) {
	c := &Character{
		ID:         "c1",
		Lore:       []string{"born in a lighthouse", "collects maps"},
		Topics:     []string{"sailing"},
		Style:      Style{All: []string{"terse"}, Chat: []string{"warm"}},
		Knowledge:  []string{"the tide turns twice a day"},
		Adjectives: []string{"curious"},
	}

	var restored Character
	restored.ApplyEntries(c.ToEntries())

	assert.Equal(t, c.Lore, restored.Lore)
	assert.Equal(t, c.Topics, restored.Topics)
	assert.Equal(t, c.Style, restored.Style)
	assert.Equal(t, c.Knowledge, restored.Knowledge)
	assert.Equal(t, c.Adjectives, restored.Adjectives)
}
