package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "sendmessage", Normalize("SEND_MESSAGE"))
	assert.Equal(t, "sendmessage", Normalize(" send-message "))
	assert.Equal(t, "sendmessage", Normalize("Send Message"))
	assert.Equal(t, "", Normalize("  _-  "))
}

func TestMatcherResolution(t *testing.T) {
	m := NewMatcher[string]()
	m.Register("SEND_MESSAGE", []string{"REPLY", "TALK"}, "send")
	m.Register("CONTINUE", []string{"KEEP_GOING"}, "continue")
	m.Register("REPLY", nil, "reply")
	m.Register("FOLLOW_ROOM", []string{"JOIN_CONVERSATION"}, "follow")

	cases := []struct {
		label string
		want  string
	}{
		{label: "send_message", want: "send"},
		{label: "Send-Message", want: "send"},
		{label: "reply", want: "reply"},
		{label: "talk", want: "send"},
		{label: "keep going", want: "continue"},
		{label: "message", want: "send"},
		{label: "please CONTINUE now", want: "continue"},
		{label: "conversation", want: "follow"},
	}

	for _, tc := range cases {
		got, ok := m.Resolve(tc.label)
		if assert.True(t, ok, tc.label) {
			assert.Equal(t, tc.want, got, tc.label)
		}
	}

	_, ok := m.Resolve("dance")
	assert.False(t, ok)
	_, ok = m.Resolve("")
	assert.False(t, ok)
}

func TestMatcherPrefersNamesOverSimiles(t *testing.T) {
	m := NewMatcher[string]()
	m.Register("SEND_MESSAGE", []string{"NOTE"}, "send")
	m.Register("TAKE_NOTES", nil, "notes")

	got, ok := m.Resolve("note")
	assert.True(t, ok)
	assert.Equal(t, "notes", got, "name containment is checked before an exact simile")

	got, ok = m.Resolve("send")
	assert.True(t, ok)
	assert.Equal(t, "send", got)
}

func TestMatcherIsDeterministic(t *testing.T) {
	m := NewMatcher[int]()
	m.Register("FOLLOW_ROOM", nil, 1)
	m.Register("UNFOLLOW_ROOM", nil, 2)
	m.Register("ROOM_STATUS", nil, 3)

	first, ok := m.Resolve("room")
	assert.True(t, ok)
	for i := 0; i < 50; i++ {
		got, _ := m.Resolve("room")
		assert.Equal(t, first, got)
	}
	assert.Equal(t, 1, first)
}
