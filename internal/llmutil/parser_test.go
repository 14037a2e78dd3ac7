package llmutil

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"Bare object", `{"action":"wait"}`, `{"action":"wait"}`, true},
		{"Fenced json", "```json\n{\"action\":\"done\",\"message\":\"ok\"}\n```", `{"action":"done","message":"ok"}`, true},
		{"Fenced without tag", "```\n{\"action\":\"wait\"}\n```", `{"action":"wait"}`, true},
		{"Prose around object", "Sure! Here you go: {\"action\":\"click\",\"x\":1,\"y\":2} hope that helps", `{"action":"click","x":1,"y":2}`, true},
		{"Whitespace", "  \n {\"a\":1}\n\t", `{"a":1}`, true},
		{"No object", "I cannot see the page", "I cannot see the page", false},
		{"Reversed braces", "} oops {", "} oops {", false},
		{"Empty", "", "", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractJSONObject(tc.input)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hel...", Truncate("hello", 3))
	assert.Equal(t, "", Truncate("hello", 0))

	// Cutting in the middle of a multi-byte rune backs off to its start.
	out := Truncate("héllo", 2)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "h...", out)
}
