package session

import "time"

const (
	// contextHintChars bounds the transcript tail passed to chunk
	// transcription as a continuity prompt.
	contextHintChars = 500

	// tickPeriod is the cadence of duration events while recording.
	tickPeriod = time.Second

	// eventBuffer sizes the observer event channel; slow observers drop
	// events rather than stall the pipeline.
	eventBuffer = 128

	titleTimeFormat = "Jan 2, 2006 15:04"
)

// Orchestrator states, distinct from session status: the orchestrator
// returns to idle once a session completes.
const (
	stateIdle       = "idle"
	stateRecording  = "recording"
	stateProcessing = "processing"
)
