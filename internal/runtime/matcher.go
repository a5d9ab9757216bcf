package runtime

import "strings"

// Normalize canonicalizes a behavior label: lower case with separators removed,
// so "SEND_MESSAGE", "send-message" and "Send Message" are equal.
func Normalize(label string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '\t', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(label)))
}

type matchEntry[T any] struct {
	name    string
	similes []string
	value   T
}

// Matcher resolves a free-form label to one registered value. The lookup
// tables are built at registration; resolution never mutates them.
//
// Resolution order:
//  1. exact normalized name
//  2. containment in either direction against names, in registration order
//  3. exact normalized simile
//  4. containment in either direction against similes, in registration order
type Matcher[T any] struct {
	entries []matchEntry[T]
	names   map[string]int
	similes map[string]int
}

// NewMatcher creates an empty matcher
func NewMatcher[T any]() *Matcher[T] {
	return &Matcher[T]{names: make(map[string]int), similes: make(map[string]int)}
}

// Register adds a value under its name and aliases. The first registration of
// a normalized name or simile wins.
func (m *Matcher[T]) Register(name string, similes []string, value T) {
	e := matchEntry[T]{name: Normalize(name), value: value}
	for _, s := range similes {
		if n := Normalize(s); n != "" {
			e.similes = append(e.similes, n)
		}
	}

	idx := len(m.entries)
	m.entries = append(m.entries, e)
	if _, ok := m.names[e.name]; !ok && e.name != "" {
		m.names[e.name] = idx
	}
	for _, s := range e.similes {
		if _, ok := m.similes[s]; !ok {
			m.similes[s] = idx
		}
	}
}

// Len returns the number of registered values
func (m *Matcher[T]) Len() int {
	return len(m.entries)
}

// Resolve maps label to a registered value
func (m *Matcher[T]) Resolve(label string) (T, bool) {
	var zero T
	key := Normalize(label)
	if key == "" {
		return zero, false
	}

	if idx, ok := m.names[key]; ok {
		return m.entries[idx].value, true
	}
	for _, e := range m.entries {
		if contains(e.name, key) {
			return e.value, true
		}
	}
	if idx, ok := m.similes[key]; ok {
		return m.entries[idx].value, true
	}
	for _, e := range m.entries {
		for _, s := range e.similes {
			if contains(s, key) {
				return e.value, true
			}
		}
	}
	return zero, false
}

func contains(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}
