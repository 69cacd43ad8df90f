package structured

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fullFenceRe matches a text that is exactly one fenced block. The capture is
// greedy so backticks inside JSON string values cannot truncate it; partially
// fenced text falls through to the balanced-brace scan instead.
var fullFenceRe = regexp.MustCompile("(?s)\\A```(?:json)?\\s*\\n?(.*)\\n?```\\z")

// Parse extracts a key/value object from raw model output. It never fails:
// if nothing in the text parses as JSON, the whole text is returned as
// {"text": raw}.
//
// Resolution order:
//  1. direct JSON parse of the full text, then of its fenced body
//  2. the first balanced {...} candidate carrying both "answer" and "status"
//  3. any candidate whose text/message/content string field itself parses to
//     an object carrying "answer" and "status" (the inner object wins)
//  4. the first non-empty candidate object
func Parse(raw string) map[string]any {
	text := strings.TrimSpace(raw)

	if obj, ok := parseObject(text); ok {
		return obj
	}
	if m := fullFenceRe.FindStringSubmatch(text); m != nil {
		if obj, ok := parseObject(strings.TrimSpace(m[1])); ok {
			return obj
		}
	}

	candidates := scanObjects(text)

	for _, c := range candidates {
		if hasAnswerStatus(c) {
			return c
		}
	}
	for _, c := range candidates {
		for _, key := range []string{"text", "message", "content"} {
			s, ok := c[key].(string)
			if !ok {
				continue
			}
			if inner, ok := parseObject(s); ok && hasAnswerStatus(inner) {
				return inner
			}
		}
	}
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}

	return map[string]any{"text": raw}
}

// Fence wraps an object as a pretty-printed fenced JSON block so every
// provider's output looks uniform downstream.
func Fence(obj map[string]any) string {
	data, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		// Maps with JSON-marshalable values cannot fail; anything else
		// degrades to an empty object rather than propagating.
		data = []byte("{}")
	}
	return "```json\n" + string(data) + "\n```"
}

func parseObject(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func hasAnswerStatus(obj map[string]any) bool {
	_, hasAnswer := obj["answer"]
	_, hasStatus := obj["status"]
	return hasAnswer && hasStatus
}

// scanObjects finds every balanced top-level {...} substring that parses as
// a JSON object, in order of appearance. Brace depth is tracked manually
// because string literals may contain braces.
func scanObjects(text string) []map[string]any {
	var candidates []map[string]any
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				if obj, ok := parseObject(text[start : i+1]); ok {
					candidates = append(candidates, obj)
				}
				start = -1
			}
		}
	}
	return candidates
}
