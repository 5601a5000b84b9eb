package session

import (
	"strings"
	"sync"

	"github.com/meetcap/meetcap/internal/provider"
)

// Accumulator merges transcript updates into the display transcript, tracks
// finalized segments, and fires when enough new confirmed words have piled up
// since the last question.
type Accumulator struct {
	mu sync.Mutex

	confirmed string
	partial   string

	nextSeq        int
	confirmedWords int
	triggerWords   int
	threshold      int
}

func NewAccumulator(threshold int) *Accumulator {
	return &Accumulator{threshold: threshold}
}

// ApplyUpdate folds one streaming update in. It returns the finalized segment
// to persist, when the update carried one, and whether the question trigger
// fired. Confirmed text is never replaced with something shorter.
func (a *Accumulator) ApplyUpdate(u provider.TranscriptUpdate) (*Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(u.ConfirmedText) >= len(a.confirmed) {
		a.confirmed = u.ConfirmedText
	}
	a.partial = u.PartialText

	if !u.IsFinal {
		return nil, false
	}

	var seg *Segment
	if text := strings.TrimSpace(u.SegmentText); text != "" {
		seg = &Segment{Seq: a.nextSeq, Text: text}
		a.nextSeq++
	}
	return seg, a.countConfirmed()
}

// AppendChunk folds one chunk transcription in. Chunked text is final by
// construction, so it extends both the display transcript and the confirmed
// transcript.
func (a *Accumulator) AppendChunk(text string) (*Segment, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.confirmed == "" {
		a.confirmed = text
	} else {
		a.confirmed += " " + text
	}
	a.partial = ""

	seg := &Segment{Seq: a.nextSeq, Text: text}
	a.nextSeq++
	return seg, a.countConfirmed()
}

// countConfirmed recomputes the confirmed word count and decides whether the
// trigger fires. Word deltas accumulate across updates; the counter resets on
// fire. Callers hold a.mu.
func (a *Accumulator) countConfirmed() bool {
	words := len(strings.Fields(a.confirmed))
	delta := words - a.confirmedWords
	if delta < 0 {
		delta = 0
	}
	a.confirmedWords = words

	a.triggerWords += delta
	if a.threshold > 0 && a.triggerWords >= a.threshold {
		a.triggerWords = 0
		return true
	}
	return false
}

// DisplayText is the transcript shown to observers: confirmed text with the
// current partial appended.
func (a *Accumulator) DisplayText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.partial == "":
		return a.confirmed
	case a.confirmed == "":
		return a.partial
	default:
		return a.confirmed + " " + a.partial
	}
}

// ConfirmedText is the finalized transcript, excluding any live partial.
func (a *Accumulator) ConfirmedText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.confirmed
}
