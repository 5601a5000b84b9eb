package provider

import (
	"encoding/json"
	"strings"
)

// ParseSummary decodes a model response into a SummaryResult. Responses
// wrapped in markdown code fences are unwrapped first. Any decoded object
// with at least one populated field counts as parsed, even when the summary
// text itself is blank. When the payload is not the expected JSON object,
// the raw text becomes a degraded Summary rather than an error;
// summarization should not fail on a chatty model.
func ParseSummary(resp string) SummaryResult {
	text := StripFences(resp)
	var out SummaryResult
	if err := json.Unmarshal([]byte(text), &out); err == nil && !out.isEmpty() {
		return out
	}
	return SummaryResult{Summary: strings.TrimSpace(resp)}
}

func (r SummaryResult) isEmpty() bool {
	return r.Summary == "" && len(r.KeyPoints) == 0 && len(r.ActionItems) == 0 && len(r.Participants) == 0
}

// StripFences removes a surrounding markdown code fence, with or without a
// language tag, returning the inner payload trimmed.
func StripFences(s string) string {
	text := strings.TrimSpace(s)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		first := strings.TrimSpace(text[:i])
		if first == "" || isFenceTag(first) {
			text = text[i+1:]
		}
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
