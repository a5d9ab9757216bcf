package models

// Character visibility
const (
	StatusPrivate = "private"
	StatusPublic  = "public"
)

// Entry kinds stored as child rows of a character
const (
	EntryLore        = "lore"
	EntryTopic       = "topic"
	EntryAdjective   = "adjective"
	EntryStyleAll    = "style_all"
	EntryStyleChat   = "style_chat"
	EntryStylePost   = "style_post"
	EntryPostExample = "post_example"
	EntryKnowledge   = "knowledge"
)

// Character is the durable identity of one agent. List-valued attributes
// live in CharacterEntry rows and are assembled into the transient fields.
type Character struct {
	ID            string         `json:"id" gorm:"primaryKey;size:36"`
	Author        string         `json:"author" gorm:"not null;uniqueIndex:idx_character_author_name;uniqueIndex:idx_character_author_slug"`
	Name          string         `json:"name" gorm:"not null;uniqueIndex:idx_character_author_name"`
	Slug          string         `json:"slug" gorm:"not null;uniqueIndex:idx_character_author_slug"`
	ModelProvider string         `json:"modelProvider" gorm:"not null"`
	Bio           string         `json:"bio" gorm:"type:text"`
	Status        string         `json:"status" gorm:"not null;default:private"`
	Settings      map[string]any `json:"settings" gorm:"serializer:json;type:text"`
	// MessageExamples holds sample conversations; each inner slice is one exchange
	MessageExamples [][]MessageExample `json:"messageExamples" gorm:"serializer:json;type:text"`
	CreatedAt       int64              `json:"createdAt" gorm:"autoCreateTime:milli"`
	UpdatedAt       int64              `json:"updatedAt" gorm:"autoUpdateTime:milli"`

	Lore         []string `json:"lore" gorm:"-"`
	Topics       []string `json:"topics" gorm:"-"`
	Adjectives   []string `json:"adjectives" gorm:"-"`
	Style        Style    `json:"style" gorm:"-"`
	PostExamples []string `json:"postExamples" gorm:"-"`
	Knowledge    []string `json:"knowledge" gorm:"-"`
}

// Style groups the three style directive categories
type Style struct {
	All  []string `json:"all"`
	Chat []string `json:"chat"`
	Post []string `json:"post"`
}

// MessageExample is one line of an example conversation
type MessageExample struct {
	User    string `json:"user"`
	Content struct {
		Text   string `json:"text"`
		Action string `json:"action,omitempty"`
	} `json:"content"`
}

// CharacterEntry is one ordered list element of a character (lore line, topic, ...)
type CharacterEntry struct {
	ID          uint   `gorm:"primaryKey"`
	CharacterID string `gorm:"size:36;not null;index"`
	Kind        string `gorm:"size:32;not null;index"`
	Position    int    `gorm:"not null"`
	Value       string `gorm:"type:text;not null"`
}

// CharacterSecret is the authenticated secrets blob of a character
type CharacterSecret struct {
	CharacterID string `gorm:"primaryKey;size:36"`
	Salt        string `gorm:"not null"`
	Signature   string `gorm:"not null"`
	Payload     string `gorm:"type:text;not null"`
	UpdatedAt   int64  `gorm:"autoUpdateTime:milli"`
}

// Setting returns a string setting or the fallback
func (c *Character) Setting(key, fallback string) string {
	if c.Settings == nil {
		return fallback
	}
	if v, ok := c.Settings[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// ToEntries flattens the list-valued fields into ordered child rows
func (c *Character) ToEntries() []CharacterEntry {
	var entries []CharacterEntry
	add := func(kind string, values []string) {
		for i, v := range values {
			entries = append(entries, CharacterEntry{CharacterID: c.ID, Kind: kind, Position: i, Value: v})
		}
	}
	add(EntryLore, c.Lore)
	add(EntryTopic, c.Topics)
	add(EntryAdjective, c.Adjectives)
	add(EntryStyleAll, c.Style.All)
	add(EntryStyleChat, c.Style.Chat)
	add(EntryStylePost, c.Style.Post)
	add(EntryPostExample, c.PostExamples)
	add(EntryKnowledge, c.Knowledge)
	return entries
}

// ApplyEntries fills the list-valued fields from loaded child rows.
// Entries are expected in (kind, position) order.
func (c *Character) ApplyEntries(entries []CharacterEntry) {
	c.Lore, c.Topics, c.Adjectives, c.PostExamples, c.Knowledge = nil, nil, nil, nil, nil
	c.Style = Style{}
	for _, e := range entries {
		switch e.Kind {
		case EntryLore:
			c.Lore = append(c.Lore, e.Value)
		case EntryTopic:
			c.Topics = append(c.Topics, e.Value)
		case EntryAdjective:
			c.Adjectives = append(c.Adjectives, e.Value)
		case EntryStyleAll:
			c.Style.All = append(c.Style.All, e.Value)
		case EntryStyleChat:
			c.Style.Chat = append(c.Style.Chat, e.Value)
		case EntryStylePost:
			c.Style.Post = append(c.Style.Post, e.Value)
		case EntryPostExample:
			c.PostExamples = append(c.PostExamples, e.Value)
		case EntryKnowledge:
			c.Knowledge = append(c.Knowledge, e.Value)
		}
	}
}
