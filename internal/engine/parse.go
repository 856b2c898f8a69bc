// Package engine holds the pure, DB-free pieces of the execution engine: the
// agent output parse grammar and input-template substitution. Everything
// here is a plain function of its inputs so the Store's compound
// transactions (internal/store) can call it from inside a *sql.Tx without
// creating an import cycle.
package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// keyLine matches a line that starts a new KEY: value pair. Per SPEC_FULL.md's
// resolution of spec.md's open question: a value continues until the next
// line matching this pattern at column 0. A line that looks like "KEY:" but
// is meant as literal body text must be indented by the producer; anything
// at column 0 matching this pattern always starts a new key.
var keyLine = regexp.MustCompile(`^([A-Z_]+): ?(.*)$`)

// ParseOutput parses raw agent output into a KEY -> value map per spec.md
// §6's output parse grammar. Multiline values accumulate every line up to
// (but not including) the next key-line. Trailing newlines on each value are
// trimmed; internal blank lines are preserved.
func ParseOutput(raw string) map[string]string {
	out := make(map[string]string)
	lines := strings.Split(raw, "\n")

	var curKey string
	var curVal []string
	flush := func() {
		if curKey != "" {
			out[curKey] = strings.TrimRight(strings.Join(curVal, "\n"), "\n")
		}
	}

	for _, line := range lines {
		if m := keyLine.FindStringSubmatch(line); m != nil {
			flush()
			curKey = m[1]
			curVal = []string{m[2]}
			continue
		}
		if curKey != "" {
			curVal = append(curVal, line)
		}
	}
	flush()

	return out
}

// MissingValueToken is substituted into a resolved input template when the
// referenced output key was never declared by an earlier step (§4.2).
const MissingValueToken = "[missing: %s]"

// placeholder matches {{KEY}} template references in a step's input_template.
var placeholder = regexp.MustCompile(`\{\{([A-Z_]+)\}\}`)

// ResolveTemplate substitutes {{KEY}} placeholders in template with values
// from outputs (already-parsed KEY -> value maps from earlier steps, merged
// with later steps winning on key collision). A key with no value anywhere
// in outputs resolves to the literal "[missing: KEY]" token so the agent can
// fail cleanly rather than silently proceed on absent input.
func ResolveTemplate(template string, outputs map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		if v, ok := outputs[key]; ok {
			return v
		}
		return fmt.Sprintf(MissingValueToken, key)
	})
}

// StoryRecord is one entry of a STORIES_JSON array emitted by a loop step's
// source step (§4.4, §6 loop-source contract).
type StoryRecord struct {
	StoryID string `json:"story_id"`
	Title   string `json:"title"`
	Input   string `json:"input"`
}

// ExtractStories parses the STORIES_JSON value out of a parsed output map.
// Returns an error if the key is absent or is not a valid JSON array — per
// §4.4, a STORIES_JSON parse failure is treated as a step failure.
func ExtractStories(outputs map[string]string) ([]StoryRecord, error) {
	raw, ok := outputs["STORIES_JSON"]
	if !ok {
		return nil, fmt.Errorf("missing STORIES_JSON key in source step output")
	}
	var records []StoryRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, fmt.Errorf("invalid STORIES_JSON: %w", err)
	}
	return records, nil
}

// MergeOutputs folds a sequence of per-step output maps into one flat
// key->value map, later steps (later in the slice) overwriting earlier ones
// on key collision — consistent with "values taken from declared outputs of
// earlier steps in the same run" where a later step may legitimately
// re-declare and refine a key an earlier step also produced.
func MergeOutputs(maps ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			merged[k] = v
		}
	}
	return merged
}
