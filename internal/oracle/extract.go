package oracle

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// fencedBlockPattern matches ```json ... ``` or bare ``` ... ``` blocks.
// Oracles frequently wrap structured output in prose and code fences even
// when told not to.
var fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// keyValuePattern matches loose `key: value` or `"key": value` lines for
// the last-resort extraction layer.
var keyValuePattern = regexp.MustCompile(`(?m)^\s*"?([A-Za-z_][A-Za-z0-9_-]*)"?\s*[:=]\s*(.+?)\s*$`)

// ExtractStructured parses oracle output into v using a layered strategy:
//
//  1. direct JSON parse of the whole output
//  2. JSON parse of the first fenced code block
//  3. JSON parse of the outermost brace span
//  4. best-effort key/value extraction from free text
//
// When every layer fails it returns ErrUnparseable. It never retries:
// retrying a request that produced malformed output is assumed futile.
func ExtractStructured(raw string, v interface{}) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("empty output: %w", ErrUnparseable)
	}

	// Layer 1: the whole output is JSON.
	if err := json.Unmarshal([]byte(trimmed), v); err == nil {
		return nil
	}

	// Layer 2: a fenced block holds the JSON.
	for _, m := range fencedBlockPattern.FindAllStringSubmatch(trimmed, -1) {
		candidate := strings.TrimSpace(m[1])
		if candidate == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		}
	}

	// Layer 3: the outermost brace span.
	if start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}"); start >= 0 && end > start {
		if err := json.Unmarshal([]byte(trimmed[start:end+1]), v); err == nil {
			return nil
		}
	}

	// Layer 4: loose key/value lines, re-marshaled through JSON so v's
	// field types still apply.
	if kv := extractKeyValues(trimmed); len(kv) > 0 {
		if data, err := json.Marshal(kv); err == nil {
			if err := json.Unmarshal(data, v); err == nil {
				return nil
			}
		}
	}

	return fmt.Errorf("output survived no extraction layer: %w", ErrUnparseable)
}

// extractKeyValues scans free text for key/value lines, converting values
// that look numeric or boolean to their typed form.
func extractKeyValues(text string) map[string]interface{} {
	kv := make(map[string]interface{})
	for _, m := range keyValuePattern.FindAllStringSubmatch(text, -1) {
		key := m[1]
		val := strings.TrimRight(strings.TrimSpace(m[2]), ",")
		val = strings.Trim(val, `"`)

		switch {
		case val == "true" || val == "false":
			kv[key] = val == "true"
		default:
			if n, err := strconv.ParseFloat(val, 64); err == nil {
				kv[key] = n
			} else {
				kv[key] = val
			}
		}
	}
	return kv
}
