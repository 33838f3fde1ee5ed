package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON strips the wrapping a model tends to add around JSON:
// markdown code fences first, then any prose before the first brace or
// bracket and after the last. The result is not validated.
func ExtractJSON(content string) string {
	s := strings.TrimSpace(content)

	if idx := strings.Index(s, "```json"); idx != -1 {
		s = s[idx+len("```json"):]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}
	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+len("```"):]
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
		return strings.TrimSpace(s)
	}

	// Unfenced: cut leading/trailing prose around the outermost
	// JSON value, if one is present at all.
	objStart := strings.IndexAny(s, "{[")
	if objStart == -1 {
		return s
	}
	var objEnd int
	if s[objStart] == '{' {
		objEnd = strings.LastIndex(s, "}")
	} else {
		objEnd = strings.LastIndex(s, "]")
	}
	if objEnd > objStart {
		return strings.TrimSpace(s[objStart : objEnd+1])
	}
	return s
}

// DecodeJSON extracts and unmarshals a JSON payload from model output.
func DecodeJSON(content string, target interface{}) error {
	cleaned := ExtractJSON(content)
	if err := json.Unmarshal([]byte(cleaned), target); err != nil {
		snippet := cleaned
		if len(snippet) > 120 {
			snippet = snippet[:120]
		}
		return fmt.Errorf("decode model JSON (%q): %w", snippet, err)
	}
	return nil
}
