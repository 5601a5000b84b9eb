package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/provider"
)

// --- fakes ---

type fakeSource struct {
	mu         sync.Mutex
	denyPerm   bool
	startErr   error
	frames     chan []byte
	chunks     [][]byte
	trailing   []byte
	stopped    bool
	frameOnce  sync.Once
	elapsedDur time.Duration
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan []byte, 8), elapsedDur: 2 * time.Second}
}

func (f *fakeSource) RequestPermission() bool       { return !f.denyPerm }
func (f *fakeSource) Start(_ context.Context) error { return f.startErr }
func (f *fakeSource) Frames() <-chan []byte         { return f.frames }
func (f *fakeSource) Format() audio.Format          { return audio.Format{SampleRate: 16000, Channels: 1} }
func (f *fakeSource) Path() string                  { return "/tmp/session.wav" }

// Elapsed reports zero once stopped, the least helpful reading a source is
// allowed to give after capture ends.
func (f *fakeSource) Elapsed() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return 0
	}
	return f.elapsedDur
}

func (f *fakeSource) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeSource) NextRotatedChunk() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.chunks) == 0 {
		return nil
	}
	chunk := f.chunks[0]
	f.chunks = f.chunks[1:]
	return chunk
}

func (f *fakeSource) addChunk(c []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, c)
}

func (f *fakeSource) StopAndTrailingChunk() []byte {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	if f.frames != nil {
		f.frameOnce.Do(func() { close(f.frames) })
	}
	return f.trailing
}

type fakeStore struct {
	mu        sync.Mutex
	createErr error
	created   []Session
	progress  []Session
	completed []Session
	segments  []Segment
	questions []Question
	chatTurns []ChatTurn
	existing  *Session
}

func (f *fakeStore) CreateSession(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, *s)
	return nil
}

func (f *fakeStore) SaveProgress(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, *s)
	return nil
}

func (f *fakeStore) CompleteSession(_ context.Context, s *Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, *s)
	return nil
}

func (f *fakeStore) AppendSegment(_ context.Context, seg Segment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.segments = append(f.segments, seg)
	return nil
}

func (f *fakeStore) AppendQuestion(_ context.Context, q Question) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questions = append(f.questions, q)
	return nil
}

func (f *fakeStore) AppendChatTurn(_ context.Context, turn ChatTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chatTurns = append(f.chatTurns, turn)
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing != nil && f.existing.ID == id {
		dup := *f.existing
		return &dup, nil
	}
	return nil, errors.New(errors.CodeNotFound, "session not found")
}

func (f *fakeStore) ListChatTurns(_ context.Context, sessionID string) ([]ChatTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChatTurn
	for _, turn := range f.chatTurns {
		if turn.SessionID == sessionID {
			out = append(out, turn)
		}
	}
	return out, nil
}

func (f *fakeStore) questionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.questions)
}

func (f *fakeStore) segmentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.segments)
}

func (f *fakeStore) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func (f *fakeStore) lastCompleted() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[len(f.completed)-1]
}

type fakeTranscriber struct {
	mu    sync.Mutex
	texts []string
	err   error
	delay time.Duration
	calls int
	hints []string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []byte, hint string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.hints = append(f.hints, hint)
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), errors.CodeCancelled, "transcription cancelled")
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if len(f.texts) == 0 {
		return "", nil
	}
	text := f.texts[0]
	f.texts = f.texts[1:]
	return text, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStreamer closes its update sequence when the frame channel closes or
// the context is cancelled, matching real recognizer behavior.
type fakeStreamer struct {
	fakeTranscriber
	updates   chan provider.TranscriptUpdate
	startErr  error
	closeOnce sync.Once
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{updates: make(chan provider.TranscriptUpdate, 16)}
}

func (f *fakeStreamer) StartStreaming(ctx context.Context, frames <-chan []byte, _ audio.Format) (<-chan provider.TranscriptUpdate, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	go func() {
		for {
			select {
			case _, ok := <-frames:
				if !ok {
					f.closeOnce.Do(func() { close(f.updates) })
					return
				}
			case <-ctx.Done():
				f.closeOnce.Do(func() { close(f.updates) })
				return
			}
		}
	}()
	return f.updates, nil
}

// stubbornStreamer never ends its sequence on frame-channel close; only
// cancellation stops it. Used to exercise the drain grace period.
type stubbornStreamer struct {
	fakeTranscriber
	updates   chan provider.TranscriptUpdate
	closeOnce sync.Once
}

func newStubbornStreamer() *stubbornStreamer {
	return &stubbornStreamer{updates: make(chan provider.TranscriptUpdate, 16)}
}

func (f *stubbornStreamer) StartStreaming(ctx context.Context, _ <-chan []byte, _ audio.Format) (<-chan provider.TranscriptUpdate, error) {
	go func() {
		<-ctx.Done()
		f.closeOnce.Do(func() { close(f.updates) })
	}()
	return f.updates, nil
}

type fakeAI struct {
	mu              sync.Mutex
	question        string
	questionErr     error
	summary         provider.SummaryResult
	summaryErr      error
	summaryDelay    time.Duration
	chatReply       string
	summaryCalls    int
	questionCalls   int
	questionPrompts []string
}

func (f *fakeAI) GenerateQuestion(_ context.Context, transcript string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questionCalls++
	f.questionPrompts = append(f.questionPrompts, transcript)
	return f.question, f.questionErr
}

func (f *fakeAI) GenerateSummary(ctx context.Context, _ string) (provider.SummaryResult, error) {
	f.mu.Lock()
	f.summaryCalls++
	delay := f.summaryDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return provider.SummaryResult{}, errors.Wrap(ctx.Err(), errors.CodeCancelled, "summary cancelled")
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summary, f.summaryErr
}

func (f *fakeAI) Chat(_ context.Context, _, _ string, _ []provider.ChatTurn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatReply, nil
}

func (f *fakeAI) summaryCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaryCalls
}

func (f *fakeAI) questionCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.questionCalls
}

func (f *fakeAI) lastQuestionPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.questionPrompts) == 0 {
		return ""
	}
	return f.questionPrompts[len(f.questionPrompts)-1]
}

type fakeFactory struct {
	transcriber provider.Transcriber
	ai          provider.AI
	cloudT      provider.Transcriber
	cloudAI     provider.AI
}

func (f *fakeFactory) Transcriber() provider.Transcriber { return f.transcriber }
func (f *fakeFactory) AI() provider.AI                   { return f.ai }

func (f *fakeFactory) Fallback() ProviderFactory {
	return &fakeFactory{transcriber: f.cloudT, ai: f.cloudAI, cloudT: f.cloudT, cloudAI: f.cloudAI}
}

func testOrchestratorConfig() *config.Config {
	return &config.Config{
		QuestionWordThreshold: 3,
		ChunkPeriod:           10 * time.Millisecond,
		DrainGrace:            150 * time.Millisecond,
		SummaryDeadline:       300 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func drainEvents(o *Orchestrator) []Event {
	var out []Event
	for {
		select {
		case e := <-o.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, kind EventKind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// --- tests ---

func TestStartRejectsConcurrentSessions(t *testing.T) {
	streamer := newFakeStreamer()
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), newFakeSource(), st, &fakeFactory{transcriber: streamer, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := o.Start(context.Background()); errors.CodeOf(err) != errors.CodeInvalid {
		t.Fatalf("second Start code = %v, want invalid", errors.CodeOf(err))
	}

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.AwaitCompletion(context.Background()); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
}

func TestStartPermissionDenied(t *testing.T) {
	src := newFakeSource()
	src.denyPerm = true
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: &fakeTranscriber{}, ai: &fakeAI{}})

	_, err := o.Start(context.Background())
	if errors.CodeOf(err) != errors.CodePermissionDenied {
		t.Fatalf("code = %v, want permission denied", errors.CodeOf(err))
	}
	if len(st.created) != 0 {
		t.Error("session persisted despite permission denial")
	}
}

func TestStartStoreFailureIsFatal(t *testing.T) {
	src := newFakeSource()
	st := &fakeStore{createErr: errors.New(errors.CodeStoreFailure, "disk full")}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: &fakeTranscriber{}, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite store failure")
	}
	if o.Snapshot().State != stateIdle {
		t.Errorf("state = %q, want idle", o.Snapshot().State)
	}
	if !src.wasStopped() {
		t.Error("capture left running after store failure")
	}
}

func TestStartSourceFailureLeavesNoSession(t *testing.T) {
	src := newFakeSource()
	src.startErr = errors.New(errors.CodePermissionDenied, "device busy")
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: &fakeTranscriber{}, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded despite source failure")
	}
	if len(st.created) != 0 || st.completedCount() != 0 {
		t.Errorf("session rows persisted despite start failure: %d created, %d completed",
			len(st.created), st.completedCount())
	}
	if o.Snapshot().State != stateIdle {
		t.Errorf("state = %q, want idle", o.Snapshot().State)
	}
}

func TestStreamingSessionLifecycle(t *testing.T) {
	streamer := newFakeStreamer()
	src := newFakeSource()
	st := &fakeStore{}
	ai := &fakeAI{question: "What is the deadline?", summary: provider.SummaryResult{Summary: "recap"}}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: ai})

	sess, err := o.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	streamer.updates <- provider.TranscriptUpdate{PartialText: "we should"}
	streamer.updates <- provider.TranscriptUpdate{
		ConfirmedText: "we should ship next week",
		SegmentText:   "we should ship next week",
		IsFinal:       true,
	}

	waitFor(t, func() bool { return st.segmentCount() == 1 }, "segment never persisted")
	waitFor(t, func() bool { return st.questionCount() == 1 }, "question never persisted")

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.AwaitCompletion(context.Background()); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if st.completedCount() != 1 {
		t.Fatal("session never completed")
	}
	done := st.lastCompleted()
	if done.Status != StatusCompleted {
		t.Errorf("status = %q", done.Status)
	}
	if done.Transcript != "we should ship next week" {
		t.Errorf("transcript = %q", done.Transcript)
	}
	if done.Summary == nil || done.Summary.Summary != "recap" {
		t.Errorf("summary = %+v", done.Summary)
	}
	if done.ID != sess.ID {
		t.Errorf("completed id = %q, want %q", done.ID, sess.ID)
	}
	if !hasEvent(drainEvents(o), EventReady) {
		t.Error("no ready event emitted")
	}
	if o.Snapshot().State != stateIdle {
		t.Errorf("state = %q, want idle", o.Snapshot().State)
	}
}

func TestChunkedSessionLifecycle(t *testing.T) {
	src := newFakeSource()
	src.frames = nil
	src.chunks = [][]byte{make([]byte, audio.WAVHeaderSize+100)}
	src.trailing = make([]byte, audio.WAVHeaderSize+50)
	tr := &fakeTranscriber{texts: []string{"first chunk words", "trailing words"}}
	st := &fakeStore{}
	ai := &fakeAI{question: provider.NoQuestionSentinel, summary: provider.SummaryResult{Summary: "recap"}}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: tr, ai: ai})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return st.segmentCount() == 1 }, "chunk segment never persisted")

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.AwaitCompletion(context.Background()); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	done := st.lastCompleted()
	if done.Transcript != "first chunk words trailing words" {
		t.Errorf("transcript = %q", done.Transcript)
	}
	if st.segmentCount() != 2 {
		t.Errorf("segments = %d, want 2 (chunk + trailing)", st.segmentCount())
	}
	if got := st.segments; got[0].Seq >= got[1].Seq {
		t.Errorf("segment order not increasing: %d, %d", got[0].Seq, got[1].Seq)
	}
}

func TestChunkedSkipsHeaderOnlyChunks(t *testing.T) {
	src := newFakeSource()
	src.frames = nil
	src.chunks = [][]byte{make([]byte, audio.WAVHeaderSize)}
	tr := &fakeTranscriber{}
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: tr, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if tr.callCount() != 0 {
		t.Errorf("transcriber called %d times for silent chunk", tr.callCount())
	}
	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())
}

func TestStreamingStartFailureFallsBackToChunked(t *testing.T) {
	streamer := newFakeStreamer()
	streamer.startErr = errors.New(errors.CodeNetworkFailure, "dial failed")
	streamer.texts = []string{"chunked words instead"}
	src := newFakeSource()
	src.chunks = [][]byte{make([]byte, audio.WAVHeaderSize+10)}
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return streamer.callCount() == 1 }, "chunked transcription never ran")

	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())
}

func TestDrainGraceForceCloses(t *testing.T) {
	streamer := newStubbornStreamer()
	src := newFakeSource()
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{ConfirmedText: "hello", SegmentText: "hello", IsFinal: true}

	waitFor(t, func() bool { return st.segmentCount() == 1 }, "segment never persisted")

	start := time.Now()
	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := o.AwaitCompletion(context.Background()); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	if elapsed := time.Since(start); elapsed < o.cfg.DrainGrace {
		t.Errorf("finalized in %v, before the %v grace expired", elapsed, o.cfg.DrainGrace)
	}
	if st.completedCount() != 1 {
		t.Error("session never completed after forced close")
	}
}

func TestSummaryTimeoutKeepsTranscript(t *testing.T) {
	streamer := newFakeStreamer()
	src := newFakeSource()
	st := &fakeStore{}
	ai := &fakeAI{summaryDelay: 2 * time.Second, summary: provider.SummaryResult{Summary: "late"}}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: ai})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{ConfirmedText: "words were spoken", SegmentText: "words were spoken", IsFinal: true}
	waitFor(t, func() bool { return st.segmentCount() == 1 }, "segment never persisted")

	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())

	done := st.lastCompleted()
	if done.Summary != nil {
		t.Errorf("summary = %+v, want none after timeout", done.Summary)
	}
	if done.Transcript != "words were spoken" {
		t.Errorf("transcript = %q", done.Transcript)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %q", done.Status)
	}
	if !hasEvent(drainEvents(o), EventError) {
		t.Error("no error event for summary timeout")
	}
}

func TestSummaryFallsBackToCloudOnce(t *testing.T) {
	streamer := newFakeStreamer()
	src := newFakeSource()
	st := &fakeStore{}
	onDevice := &fakeAI{summaryErr: errors.New(errors.CodeModelUnavailable, "daemon down")}
	cloud := &fakeAI{summary: provider.SummaryResult{Summary: "cloud recap"}}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: onDevice, cloudAI: cloud})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{ConfirmedText: "some words", SegmentText: "some words", IsFinal: true}
	waitFor(t, func() bool { return st.segmentCount() == 1 }, "segment never persisted")

	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())

	done := st.lastCompleted()
	if done.Summary == nil || done.Summary.Summary != "cloud recap" {
		t.Errorf("summary = %+v, want cloud recap", done.Summary)
	}
	if onDevice.summaryCallCount() != 1 || cloud.summaryCallCount() != 1 {
		t.Errorf("calls = %d on-device, %d cloud; want 1 and 1",
			onDevice.summaryCallCount(), cloud.summaryCallCount())
	}
}

func TestQuestionSentinelDiscarded(t *testing.T) {
	streamer := newFakeStreamer()
	st := &fakeStore{}
	ai := &fakeAI{question: "the answer is NO_QUESTION here"}
	o := New(testOrchestratorConfig(), newFakeSource(), st, &fakeFactory{transcriber: streamer, ai: ai})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{
		ConfirmedText: "one two three four five",
		SegmentText:   "one two three four five",
		IsFinal:       true,
	}
	waitFor(t, func() bool { return st.segmentCount() == 1 }, "segment never persisted")
	time.Sleep(50 * time.Millisecond)

	if st.questionCount() != 0 {
		t.Errorf("questions = %d, want 0 for sentinel response", st.questionCount())
	}
	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())
}

func TestFinalDurationSurvivesSourceStop(t *testing.T) {
	streamer := newFakeStreamer()
	src := newFakeSource()
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{ConfirmedText: "hello there", SegmentText: "hello there", IsFinal: true}
	waitFor(t, func() bool { return st.segmentCount() == 1 }, "segment never persisted")

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	o.AwaitCompletion(context.Background())

	done := st.lastCompleted()
	if done.Duration != 2*time.Second {
		t.Errorf("completed duration = %v, want the 2s measured before the source stopped", done.Duration)
	}
}

func TestQuestionAIFallsBackOnModelUnavailable(t *testing.T) {
	src := newFakeSource()
	src.frames = nil
	src.chunks = [][]byte{make([]byte, audio.WAVHeaderSize+10)}
	tr := &fakeTranscriber{texts: []string{"alpha beta gamma", "delta epsilon zeta"}}
	onDevice := &fakeAI{questionErr: errors.New(errors.CodeModelUnavailable, "daemon down")}
	cloud := &fakeAI{question: "What is the next step?"}
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: tr, ai: onDevice, cloudAI: cloud})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// First trigger: the on-device call fails and the session switches its
	// AI backend. The failed request is not retried.
	waitFor(t, func() bool { return onDevice.questionCallCount() == 1 }, "on-device AI never asked")
	time.Sleep(50 * time.Millisecond)
	if cloud.questionCallCount() != 0 {
		t.Fatalf("cloud asked %d times before the next trigger, want 0", cloud.questionCallCount())
	}

	// Second trigger goes to the cloud variant.
	src.addChunk(make([]byte, audio.WAVHeaderSize+10))
	waitFor(t, func() bool { return st.questionCount() == 1 }, "cloud question never persisted")

	if onDevice.questionCallCount() != 1 {
		t.Errorf("on-device calls = %d, want 1", onDevice.questionCallCount())
	}
	if cloud.questionCallCount() != 1 {
		t.Errorf("cloud calls = %d, want 1", cloud.questionCallCount())
	}
	if got, want := cloud.lastQuestionPrompt(), "alpha beta gamma delta epsilon zeta"; got != want {
		t.Errorf("question transcript = %q, want the cumulative confirmed text %q", got, want)
	}

	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())
}

func TestStopLetsInFlightChunkFinish(t *testing.T) {
	src := newFakeSource()
	src.frames = nil
	src.chunks = [][]byte{make([]byte, audio.WAVHeaderSize+10)}
	tr := &fakeTranscriber{texts: []string{"slow words arrived"}, delay: 60 * time.Millisecond}
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: tr, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool { return tr.callCount() == 1 }, "chunk transcription never started")

	if _, err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	o.AwaitCompletion(context.Background())

	done := st.lastCompleted()
	if done.Transcript != "slow words arrived" {
		t.Errorf("transcript = %q, in-flight chunk lost at stop", done.Transcript)
	}
	if st.segmentCount() != 1 {
		t.Errorf("segments = %d, want 1", st.segmentCount())
	}
}

func TestStreamDeathFallsBackToChunked(t *testing.T) {
	streamer := newFakeStreamer()
	streamer.texts = []string{"words from chunks"}
	src := newFakeSource()
	src.chunks = [][]byte{make([]byte, audio.WAVHeaderSize+10)}
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{
		ConfirmedText: "early stream words",
		SegmentText:   "early stream words",
		IsFinal:       true,
	}
	waitFor(t, func() bool { return st.segmentCount() == 1 }, "stream segment never persisted")

	// The recognizer ends its sequence while recording continues.
	streamer.closeOnce.Do(func() { close(streamer.updates) })

	waitFor(t, func() bool { return streamer.callCount() == 1 }, "chunked transcription never took over")
	if !hasEvent(drainEvents(o), EventError) {
		t.Error("no error event for the interrupted stream")
	}

	o.Stop(context.Background())
	if err := o.AwaitCompletion(context.Background()); err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}

	done := st.lastCompleted()
	if done.Transcript != "early stream words words from chunks" {
		t.Errorf("transcript = %q, chunked text not appended after stream death", done.Transcript)
	}
	if st.segmentCount() != 2 {
		t.Errorf("segments = %d, want 2", st.segmentCount())
	}
}

func TestChunkTranscriberFallsBackOnModelUnavailable(t *testing.T) {
	src := newFakeSource()
	src.chunks = [][]byte{
		make([]byte, audio.WAVHeaderSize+10),
		make([]byte, audio.WAVHeaderSize+10),
	}
	onDevice := &fakeTranscriber{err: errors.New(errors.CodeModelUnavailable, "daemon down")}
	cloud := &fakeTranscriber{texts: []string{"cloud transcription"}}
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: onDevice, ai: &fakeAI{}, cloudT: cloud})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, func() bool { return cloud.callCount() == 1 }, "cloud transcriber never used")
	if onDevice.callCount() != 1 {
		t.Errorf("on-device calls = %d, want 1", onDevice.callCount())
	}

	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())
}

func TestLongerTranscriptWins(t *testing.T) {
	streamer := newFakeStreamer()
	src := newFakeSource()
	st := &fakeStore{}
	o := New(testOrchestratorConfig(), src, st, &fakeFactory{transcriber: streamer, ai: &fakeAI{}})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	streamer.updates <- provider.TranscriptUpdate{ConfirmedText: "short", SegmentText: "short", IsFinal: true}
	streamer.updates <- provider.TranscriptUpdate{
		ConfirmedText: "short",
		PartialText:   "but this live partial is much longer than the confirmed text",
	}

	waitFor(t, func() bool {
		return strings.Contains(o.Snapshot().Transcript, "live partial")
	}, "partial never reached the snapshot")

	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())

	done := st.lastCompleted()
	if !strings.Contains(done.Transcript, "live partial") {
		t.Errorf("transcript = %q, longer snapshot lost", done.Transcript)
	}
}

func TestEmptySessionCompletesWithoutSummary(t *testing.T) {
	streamer := newFakeStreamer()
	st := &fakeStore{}
	ai := &fakeAI{summary: provider.SummaryResult{Summary: "should not happen"}}
	o := New(testOrchestratorConfig(), newFakeSource(), st, &fakeFactory{transcriber: streamer, ai: ai})

	if _, err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	o.Stop(context.Background())
	o.AwaitCompletion(context.Background())

	done := st.lastCompleted()
	if done.Summary != nil {
		t.Errorf("summary generated for empty transcript: %+v", done.Summary)
	}
	if ai.summaryCallCount() != 0 {
		t.Errorf("summary calls = %d, want 0", ai.summaryCallCount())
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %q", done.Status)
	}
}

func TestStopWithoutRecording(t *testing.T) {
	o := New(testOrchestratorConfig(), newFakeSource(), &fakeStore{}, &fakeFactory{transcriber: &fakeTranscriber{}, ai: &fakeAI{}})
	if _, err := o.Stop(context.Background()); errors.CodeOf(err) != errors.CodeInvalid {
		t.Fatalf("code = %v, want invalid", errors.CodeOf(err))
	}
}

func TestChatStoresBothTurns(t *testing.T) {
	st := &fakeStore{existing: &Session{ID: "s1", Transcript: "we planned the launch", Status: StatusCompleted}}
	ai := &fakeAI{chatReply: "The launch is next week."}
	o := New(testOrchestratorConfig(), newFakeSource(), st, &fakeFactory{transcriber: &fakeTranscriber{}, ai: ai})

	reply, err := o.Chat(context.Background(), "s1", "when is the launch?")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "The launch is next week." {
		t.Errorf("reply = %q", reply)
	}

	turns, _ := st.ListChatTurns(context.Background(), "s1")
	if len(turns) != 2 || turns[0].Role != "user" || turns[1].Role != "assistant" {
		t.Errorf("turns = %+v", turns)
	}
}

func TestChatUnknownSession(t *testing.T) {
	o := New(testOrchestratorConfig(), newFakeSource(), &fakeStore{}, &fakeFactory{transcriber: &fakeTranscriber{}, ai: &fakeAI{}})
	if _, err := o.Chat(context.Background(), "missing", "hello?"); errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("code = %v, want not found", errors.CodeOf(err))
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	o := New(testOrchestratorConfig(), newFakeSource(), &fakeStore{}, &fakeFactory{transcriber: &fakeTranscriber{}, ai: &fakeAI{}})
	if _, err := o.Chat(context.Background(), "s1", "   "); errors.CodeOf(err) != errors.CodeInvalid {
		t.Fatalf("code = %v, want invalid", errors.CodeOf(err))
	}
}
