package llm

import (
	"encoding/json"
	"strings"
)

// ExtractFencedPayload scans a complete answer for the first tagged fence and
// returns its kind and payload. Used when the streaming tagger was bypassed,
// for example when reparsing a persisted answer. An unclosed fence claims the
// rest of the text.
func ExtractFencedPayload(raw string) (BlockKind, string, bool) {
	loc := fenceOpenPattern.FindStringSubmatchIndex(raw)
	if loc == nil {
		return "", "", false
	}
	kind := BlockKind(raw[loc[2]:loc[3]])
	body := raw[loc[1]:]
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return kind, strings.TrimSpace(body), true
}

// FlattenTranscript rebuilds the marker-tagged transcript from separately
// accumulated think and answer text, so fence extraction sees the same shape
// the streaming tagger saw.
func FlattenTranscript(think, answer string) string {
	if think == "" {
		return answer
	}
	return thinkOpenMarker + think + thinkCloseMarker + answer
}

// ReferenceDoc is one citation entry the model prepends before its reasoning
// on the record-edit path.
type ReferenceDoc struct {
	Name string `json:"referenceDoc"`
	Path string `json:"referencePath"`
}

// SplitReferencePrefix peels an optional JSON citation array off the very
// front of a raw answer, before any think marker. Arrays elsewhere in the
// text, such as a story payload, are left in place.
func SplitReferencePrefix(raw string) ([]ReferenceDoc, string) {
	head := raw
	if idx := strings.Index(raw, thinkOpenMarker); idx >= 0 {
		head = raw[:idx]
	}

	lead := len(head) - len(strings.TrimLeft(head, " \t\r\n"))
	start := lead
	if start >= len(head) || head[start] != '[' {
		return nil, raw
	}
	end := balancedArrayEnd(head, start)
	if end < 0 {
		return nil, raw
	}

	var docs []ReferenceDoc
	if err := json.Unmarshal([]byte(head[start:end+1]), &docs); err != nil {
		return nil, raw
	}
	named := false
	for _, d := range docs {
		if d.Name != "" {
			named = true
			break
		}
	}
	if !named {
		return nil, raw
	}
	return docs, raw[:start] + raw[end+1:]
}

// balancedArrayEnd finds the index of the bracket closing the array opened at
// start, respecting JSON string escaping. Returns -1 if unbalanced.
func balancedArrayEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

// StripThinking removes every think section from a flattened answer, leaving
// only the user-visible text.
func StripThinking(raw string) string {
	for {
		open := strings.Index(raw, thinkOpenMarker)
		if open < 0 {
			return strings.TrimSpace(raw)
		}
		closing := strings.Index(raw[open:], thinkCloseMarker)
		if closing < 0 {
			return strings.TrimSpace(raw[:open])
		}
		raw = raw[:open] + raw[open+closing+len(thinkCloseMarker):]
	}
}

// NoThink suffixes a prompt with the directive that suppresses the model's
// reasoning channel, for auxiliary calls where only the answer matters.
func NoThink(prompt string) string {
	return prompt + " /no_think"
}
