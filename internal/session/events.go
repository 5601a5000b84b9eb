package session

// EventKind classifies observer events.
type EventKind string

const (
	EventState      EventKind = "state"
	EventTranscript EventKind = "transcript"
	EventQuestion   EventKind = "question"
	EventDuration   EventKind = "duration"
	EventError      EventKind = "error"
	EventReady      EventKind = "ready"
)

// Event is one observer notification. Fields beyond Kind and SessionID are
// populated per kind.
type Event struct {
	Kind       EventKind `json:"type"`
	SessionID  string    `json:"sessionId,omitempty"`
	State      string    `json:"state,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Question   string    `json:"question,omitempty"`
	Seconds    int       `json:"seconds,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Snapshot is the current pipeline view for late-joining observers.
type Snapshot struct {
	SessionID  string   `json:"sessionId,omitempty"`
	State      string   `json:"state"`
	Transcript string   `json:"transcript,omitempty"`
	Questions  []string `json:"questions,omitempty"`
	Seconds    int      `json:"seconds,omitempty"`
	LastError  string   `json:"lastError,omitempty"`
}
