// internal/llmutil/parser.go
package llmutil

import (
	"regexp"
	"strings"
)

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*({.*})\\s*\x60\x60\x60")
)

// ExtractJSONObject isolates the JSON object in a model response. It handles
// the usual formatting noise: markdown fences, leading or trailing prose, and
// surrounding whitespace. The boolean is false when no object-shaped span
// ("{" ... "}") exists at all; the returned string is then the trimmed input.
func ExtractJSONObject(response string) (string, bool) {
	response = strings.TrimSpace(response)

	// 0. Already a bare object. Checked first so fence markers inside string
	// values are never mistaken for wrapping.
	if strings.HasPrefix(response, "{") && strings.HasSuffix(response, "}") {
		return response, true
	}

	// 1. Markdown wrapping (most common case).
	if strings.Contains(response, "```") {
		if matches := jsonObjectRegex.FindStringSubmatch(response); len(matches) > 1 {
			return strings.TrimSpace(matches[1]), true
		}
	}

	// 2. Object embedded in conversational text, or already bare.
	first := strings.Index(response, "{")
	last := strings.LastIndex(response, "}")
	if first == -1 || last == -1 || last < first {
		return response, false
	}
	return response[first : last+1], true
}

// Truncate shortens s to at most maxLen bytes, appending "..." when cut.
// It backs off to a rune boundary so the result stays valid UTF-8.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
