package util

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ExtractJSONObject pulls the first JSON object out of raw model output and
// unmarshals it into v. Models frequently wrap JSON in prose or markdown
// fences, or emit slightly malformed JSON; recovery runs in three stages:
//
//  1. Direct unmarshal of the trimmed input
//  2. Unmarshal of the first balanced {...} substring
//  3. jsonrepair on that substring, then unmarshal
func ExtractJSONObject(raw string, v any) error {
	trimmed := strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	candidate, ok := balancedObject(trimmed)
	if !ok {
		return fmt.Errorf("no JSON object found in input")
	}
	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("repair JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), v); err != nil {
		return fmt.Errorf("unmarshal repaired JSON: %w", err)
	}
	return nil
}

// balancedObject returns the first brace-balanced object substring,
// respecting string literals and escapes.
func balancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	// Unterminated object: hand the tail to the repair stage.
	return s[start:], true
}
