// Package provider defines the capability interfaces for transcription and
// AI backends, plus the response-shaping helpers shared by all variants.
package provider

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/meetcap/meetcap/internal/audio"
)

// TranscriptUpdate is one increment from a streaming recognizer. ConfirmedText
// only ever grows by append across IsFinal updates; PartialText is replaced
// wholesale and carries no ordering guarantee. SegmentText is non-empty only
// when IsFinal.
type TranscriptUpdate struct {
	ConfirmedText string
	PartialText   string
	SegmentText   string
	IsFinal       bool
}

// SummaryResult is the structured output of summarization. A degraded result
// carries the model's raw text in Summary with the slices empty.
type SummaryResult struct {
	Summary      string   `json:"summary"`
	KeyPoints    []string `json:"keyPoints"`
	ActionItems  []string `json:"actionItems"`
	Participants []string `json:"participants"`
}

// ChatTurn is one prior exchange in a follow-up conversation.
type ChatTurn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Transcriber converts a complete audio container into text. contextPrompt
// carries the tail of the running transcript as a continuity hint and may be
// empty.
type Transcriber interface {
	Transcribe(ctx context.Context, audioBytes []byte, contextPrompt string) (string, error)
}

// StreamingTranscriber is the optional streaming capability. StartStreaming
// returns a lazy update sequence fed from the frame channel; the sequence
// never terminates on its own while frames keep arriving and is force-closed
// by cancelling ctx or closing frames.
type StreamingTranscriber interface {
	Transcriber
	StartStreaming(ctx context.Context, frames <-chan []byte, format audio.Format) (<-chan TranscriptUpdate, error)
}

// AI produces follow-up questions, summaries, and chat replies from
// transcript text.
type AI interface {
	GenerateQuestion(ctx context.Context, transcript string, asked []string) (string, error)
	GenerateSummary(ctx context.Context, transcript string) (SummaryResult, error)
	Chat(ctx context.Context, message, transcript string, history []ChatTurn) (string, error)
}

// NoQuestionSentinel is the token models are instructed to return when the
// conversation offers nothing worth asking.
const NoQuestionSentinel = "NO_QUESTION"

// NormalizeQuestion maps a raw model response to (question, true) or
// ("", false) when the response is empty or carries the sentinel. Sentinel
// matching is a case-insensitive substring check because models decorate it.
func NormalizeQuestion(resp string) (string, bool) {
	q := strings.TrimSpace(resp)
	if q == "" {
		return "", false
	}
	if strings.Contains(strings.ToUpper(q), NoQuestionSentinel) {
		return "", false
	}
	return q, true
}

// Tail returns at most n trailing characters of s, used to bound transcript
// context sent to providers.
func Tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// CapHistory returns at most the n most recent turns.
func CapHistory(history []ChatTurn, n int) []ChatTurn {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
