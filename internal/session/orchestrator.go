package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/provider"
	"github.com/meetcap/meetcap/internal/resilience"
	"github.com/meetcap/meetcap/internal/syncx"
	"github.com/meetcap/meetcap/internal/trace"
)

// Orchestrator drives one recording at a time: capture, transcription,
// question suggestions, and finalization into a stored session.
type Orchestrator struct {
	cfg     *config.Config
	source  AudioSource
	store   Store
	factory ProviderFactory

	mu    sync.Mutex
	state string
	cur   *active

	events chan Event
	snap   *syncx.RWGuard[Snapshot]
}

// active is the per-session runtime state.
type active struct {
	ctx    context.Context
	cancel context.CancelFunc

	sess *Session
	acc  *Accumulator

	// stopping is closed when Stop hands the session to finalization; loops
	// use it to wind down without having their in-flight work cancelled.
	stopping  chan struct{}
	loopDone  chan struct{}
	tickDone  chan struct{}
	finalDone chan struct{}

	pmu                 sync.Mutex
	streaming           bool
	transcriber         provider.Transcriber
	ai                  provider.AI
	transcriberFellBack bool
	aiFellBack          bool
	asked               []string
}

func (a *active) isStreaming() bool {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return a.streaming
}

func (a *active) setChunked() {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	a.streaming = false
}

func New(cfg *config.Config, source AudioSource, store Store, factory ProviderFactory) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		source:  source,
		store:   store,
		factory: factory,
		state:   stateIdle,
		events:  make(chan Event, eventBuffer),
		snap:    syncx.NewGuard(Snapshot{State: stateIdle}),
	}
	return o
}

// Events exposes the observer stream. Events are dropped, never blocked on,
// when the buffer is full.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Snapshot returns the current pipeline view for late-joining observers.
func (o *Orchestrator) Snapshot() Snapshot { return o.snap.Get() }

// Start begins a new recording session. It fails when one is already active,
// when microphone permission is denied, or when the session row cannot be
// persisted.
func (o *Orchestrator) Start(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != stateIdle {
		return nil, errors.New(errors.CodeInvalid, "recording already in progress")
	}

	if !o.source.RequestPermission() {
		return nil, errors.New(errors.CodePermissionDenied, "microphone permission denied")
	}

	// The session outlives the request that started it.
	base, _ := trace.EnsureContext(context.WithoutCancel(ctx))
	sctx, cancel := context.WithCancel(base)
	log := trace.Logger(sctx)

	if err := o.source.Start(sctx); err != nil {
		cancel()
		return nil, err
	}

	// The row is created only once capture is live; a hard start failure
	// leaves nothing behind.
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     "Session " + now.Format(titleTimeFormat),
		StartedAt: now,
		Status:    StatusRecording,
		AudioPath: o.source.Path(),
	}
	if err := o.store.CreateSession(ctx, sess); err != nil {
		cancel()
		o.source.StopAndTrailingChunk()
		return nil, errors.Wrap(err, errors.CodeStoreFailure, "create session")
	}

	a := &active{
		ctx:         sctx,
		cancel:      cancel,
		sess:        sess,
		acc:         NewAccumulator(o.cfg.QuestionWordThreshold),
		stopping:    make(chan struct{}),
		loopDone:    make(chan struct{}),
		tickDone:    make(chan struct{}),
		finalDone:   make(chan struct{}),
		transcriber: o.factory.Transcriber(),
		ai:          o.factory.AI(),
	}

	var updates <-chan provider.TranscriptUpdate
	if st, ok := a.transcriber.(provider.StreamingTranscriber); ok {
		var err error
		updates, err = st.StartStreaming(sctx, o.source.Frames(), o.source.Format())
		if err != nil {
			log.Warn("streaming transcription unavailable, using chunked mode", "error", err)
			updates = nil
		}
	}
	a.streaming = updates != nil

	if a.streaming {
		go o.streamLoop(sctx, a, updates)
	} else {
		go o.chunkLoop(sctx, a)
	}
	go o.tickLoop(sctx, a)

	o.cur = a
	o.state = stateRecording
	o.publishState(a, stateRecording)
	log.Info("session started", "session_id", sess.ID, "streaming", a.streaming, "audio_path", sess.AudioPath)
	return sess, nil
}

// Stop ends the active recording. The session snapshot is persisted before
// Stop returns; drain, trailing transcription, and summarization continue in
// the background and conclude with a ready event.
func (o *Orchestrator) Stop(ctx context.Context) (*Session, error) {
	o.mu.Lock()
	if o.state != stateRecording {
		o.mu.Unlock()
		return nil, errors.New(errors.CodeInvalid, "no recording in progress")
	}
	a := o.cur
	o.state = stateProcessing
	o.mu.Unlock()

	a.sess.Status.Advance(StatusProcessing)
	a.sess.Transcript = a.acc.DisplayText()
	a.sess.Duration = o.source.Elapsed()
	if err := o.store.SaveProgress(ctx, a.sess); err != nil {
		trace.Logger(a.ctx).Warn("failed to persist session snapshot at stop", "error", err)
	}
	o.publishState(a, stateProcessing)

	go o.finalize(a)
	return a.sess, nil
}

// AwaitCompletion blocks until the most recently stopped session has finished
// finalizing.
func (o *Orchestrator) AwaitCompletion(ctx context.Context) error {
	o.mu.Lock()
	a := o.cur
	o.mu.Unlock()
	if a == nil {
		return nil
	}
	select {
	case <-a.finalDone:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.CodeCancelled, "wait for completion")
	}
}

// finalize drains transcription, settles the authoritative transcript, and
// summarizes. Runs once per session.
func (o *Orchestrator) finalize(a *active) {
	defer close(a.finalDone)

	ctx := context.WithoutCancel(a.ctx)
	log := trace.Logger(ctx)

	close(a.stopping)

	if a.isStreaming() {
		// Closing the frame channel lets the recognizer flush its last
		// finals before the update sequence ends.
		o.source.StopAndTrailingChunk()
		select {
		case <-a.loopDone:
		case <-time.After(o.cfg.DrainGrace):
			log.Warn("transcription drain exceeded grace period, forcing close")
			a.cancel()
			<-a.loopDone
		}
	} else {
		// The loop exits on the stopping signal; an in-flight chunk
		// transcription is allowed to land rather than be cancelled.
		select {
		case <-a.loopDone:
		case <-time.After(o.cfg.DrainGrace):
			log.Warn("chunk transcription drain exceeded grace period, forcing close")
			a.cancel()
			<-a.loopDone
		}
		if trailing := o.source.StopAndTrailingChunk(); len(trailing) > audio.WAVHeaderSize {
			o.transcribeChunk(ctx, a, trailing)
		}
	}

	a.cancel()
	<-a.tickDone

	final := a.acc.ConfirmedText()
	if len(a.sess.Transcript) > len(final) {
		final = a.sess.Transcript
	}
	a.sess.Transcript = final
	if d := o.source.Elapsed(); d > a.sess.Duration {
		a.sess.Duration = d
	}

	if strings.TrimSpace(final) != "" {
		sum, err := o.summarize(ctx, a, final)
		switch {
		case err == nil:
			a.sess.Summary = &sum
		case errors.IsCode(err, errors.CodeTimeout):
			log.Warn("summary generation timed out", "session_id", a.sess.ID)
			o.publishError(a, "summary timed out; transcript saved without it")
		default:
			log.Warn("summary generation failed", "session_id", a.sess.ID, "error", err)
			o.publishError(a, "summary failed; transcript saved without it")
		}
	}

	a.sess.Status.Advance(StatusCompleted)
	if err := o.store.CompleteSession(ctx, a.sess); err != nil {
		log.Error("failed to persist completed session", "session_id", a.sess.ID, "error", err)
		o.publishError(a, "failed to save session")
	}

	o.mu.Lock()
	o.state = stateIdle
	o.mu.Unlock()

	o.snap.Write(func(s *Snapshot) { s.State = stateIdle })
	o.emit(Event{Kind: EventReady, SessionID: a.sess.ID})
	log.Info("session completed", "session_id", a.sess.ID,
		"duration_s", int(a.sess.Duration.Seconds()), "transcript_chars", len(final))
}

// summarize races the provider call against the summary deadline. An
// on-device-unavailable failure re-resolves the AI backend as the cloud
// variant and retries once.
func (o *Orchestrator) summarize(ctx context.Context, a *active, transcript string) (provider.SummaryResult, error) {
	run := func(ctx context.Context) (provider.SummaryResult, error) {
		return a.currentAI().GenerateSummary(ctx, transcript)
	}
	sum, err := resilience.Race(ctx, o.cfg.SummaryDeadline, run)
	if err != nil && errors.IsCode(err, errors.CodeModelUnavailable) && o.fallbackAI(a) {
		return resilience.Race(ctx, o.cfg.SummaryDeadline, run)
	}
	return sum, err
}

// streamLoop consumes recognizer updates until the sequence ends. A sequence
// that dies while the session is still recording degrades to chunked mode so
// audio keeps being transcribed.
func (o *Orchestrator) streamLoop(ctx context.Context, a *active, updates <-chan provider.TranscriptUpdate) {
	defer close(a.loopDone)
	for u := range updates {
		seg, fired := a.acc.ApplyUpdate(u)
		o.advance(ctx, a, seg, fired)
	}

	select {
	case <-ctx.Done():
		return
	case <-a.stopping:
		return
	default:
	}

	trace.Logger(ctx).Warn("streaming transcription ended early, switching to chunked mode")
	o.publishError(a, "live transcription interrupted; continuing in chunked mode")
	a.setChunked()
	o.runChunks(ctx, a)
}

func (o *Orchestrator) chunkLoop(ctx context.Context, a *active) {
	defer close(a.loopDone)
	o.runChunks(ctx, a)
}

// runChunks periodically rotates the chunk buffer and transcribes it. One
// chunk is in flight at a time; the next rotation waits for the previous
// transcription to return.
func (o *Orchestrator) runChunks(ctx context.Context, a *active) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopping:
			return
		case <-time.After(o.cfg.ChunkPeriod):
		}
		chunk := o.source.NextRotatedChunk()
		if len(chunk) <= audio.WAVHeaderSize {
			continue
		}
		o.transcribeChunk(ctx, a, chunk)
	}
}

func (o *Orchestrator) transcribeChunk(ctx context.Context, a *active, chunk []byte) {
	hint := provider.Tail(a.acc.DisplayText(), contextHintChars)
	text, err := a.currentTranscriber().Transcribe(ctx, chunk, hint)
	if err != nil {
		if errors.IsCode(err, errors.CodeModelUnavailable) {
			o.fallbackTranscriber(a)
		}
		trace.Logger(ctx).Warn("chunk transcription failed", "error", err)
		return
	}
	seg, fired := a.acc.AppendChunk(text)
	o.advance(ctx, a, seg, fired)
}

// advance publishes transcript growth: persists the finalized segment,
// notifies observers, and launches a question request when the trigger fired.
func (o *Orchestrator) advance(ctx context.Context, a *active, seg *Segment, fired bool) {
	log := trace.Logger(ctx)

	if seg != nil {
		seg.ID = uuid.NewString()
		seg.SessionID = a.sess.ID
		seg.CreatedAt = time.Now()
		if err := o.store.AppendSegment(ctx, *seg); err != nil {
			log.Warn("failed to persist transcript segment", "seq", seg.Seq, "error", err)
		}
	}

	text := a.acc.DisplayText()
	o.snap.Write(func(s *Snapshot) { s.Transcript = text })
	o.emit(Event{Kind: EventTranscript, SessionID: a.sess.ID, Transcript: text})

	if fired {
		// Question requests survive session stop; an answer arriving after
		// completion is still stored.
		go o.askQuestion(context.WithoutCancel(ctx), a)
	}
}

// askQuestion requests one follow-up question suggestion. Sentinel and empty
// responses are silently discarded.
func (o *Orchestrator) askQuestion(ctx context.Context, a *active) {
	log := trace.Logger(ctx)

	transcript := a.acc.ConfirmedText()
	resp, err := a.currentAI().GenerateQuestion(ctx, transcript, a.askedCopy())
	if err != nil {
		if errors.IsCode(err, errors.CodeModelUnavailable) {
			o.fallbackAI(a)
		}
		log.Warn("question generation failed", "error", err)
		return
	}

	text, ok := provider.NormalizeQuestion(resp)
	if !ok {
		return
	}
	a.recordAsked(text)

	q := Question{
		ID:        uuid.NewString(),
		SessionID: a.sess.ID,
		Text:      text,
		CreatedAt: time.Now(),
	}
	if err := o.store.AppendQuestion(ctx, q); err != nil {
		log.Warn("failed to persist question", "error", err)
	}
	o.snap.Write(func(s *Snapshot) { s.Questions = append(s.Questions, text) })
	o.emit(Event{Kind: EventQuestion, SessionID: a.sess.ID, Question: text})
}

// tickLoop publishes elapsed time once per second while recording.
func (o *Orchestrator) tickLoop(ctx context.Context, a *active) {
	defer close(a.tickDone)
	t := time.NewTicker(tickPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			secs := int(o.source.Elapsed().Seconds())
			o.snap.Write(func(s *Snapshot) { s.Seconds = secs })
			o.emit(Event{Kind: EventDuration, SessionID: a.sess.ID, Seconds: secs})
		}
	}
}

// Chat answers a follow-up question about a stored session and records both
// turns of the exchange.
func (o *Orchestrator) Chat(ctx context.Context, sessionID, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", errors.New(errors.CodeInvalid, "empty chat message")
	}

	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	turns, err := o.store.ListChatTurns(ctx, sessionID)
	if err != nil {
		return "", err
	}
	history := make([]provider.ChatTurn, len(turns))
	for i, t := range turns {
		history[i] = provider.ChatTurn{Role: t.Role, Text: t.Text}
	}

	ai := o.factory.AI()
	reply, err := ai.Chat(ctx, message, sess.Transcript, history)
	if err != nil && errors.IsCode(err, errors.CodeModelUnavailable) {
		ai = o.factory.Fallback().AI()
		reply, err = ai.Chat(ctx, message, sess.Transcript, history)
	}
	if err != nil {
		return "", err
	}

	now := time.Now()
	for _, turn := range []ChatTurn{
		{ID: uuid.NewString(), SessionID: sessionID, Role: "user", Text: message, CreatedAt: now},
		{ID: uuid.NewString(), SessionID: sessionID, Role: "assistant", Text: reply, CreatedAt: now},
	} {
		if err := o.store.AppendChatTurn(ctx, turn); err != nil {
			trace.Logger(ctx).Warn("failed to persist chat turn", "role", turn.Role, "error", err)
		}
	}
	return reply, nil
}

func (a *active) currentTranscriber() provider.Transcriber {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return a.transcriber
}

func (a *active) currentAI() provider.AI {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return a.ai
}

func (a *active) askedCopy() []string {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	return append([]string(nil), a.asked...)
}

func (a *active) recordAsked(q string) {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	a.asked = append(a.asked, q)
}

// fallbackTranscriber swaps in the cloud transcription variant, once per
// session.
func (o *Orchestrator) fallbackTranscriber(a *active) bool {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	if a.transcriberFellBack {
		return false
	}
	a.transcriberFellBack = true
	a.transcriber = o.factory.Fallback().Transcriber()
	trace.Logger(a.ctx).Warn("on-device transcription unavailable, switching to cloud")
	return true
}

// fallbackAI swaps in the cloud AI variant, once per session.
func (o *Orchestrator) fallbackAI(a *active) bool {
	a.pmu.Lock()
	defer a.pmu.Unlock()
	if a.aiFellBack {
		return false
	}
	a.aiFellBack = true
	a.ai = o.factory.Fallback().AI()
	trace.Logger(a.ctx).Warn("on-device model unavailable, switching to cloud")
	return true
}

func (o *Orchestrator) publishState(a *active, state string) {
	o.snap.Write(func(s *Snapshot) {
		s.SessionID = a.sess.ID
		s.State = state
		if state == stateRecording {
			s.Transcript = ""
			s.Questions = nil
			s.Seconds = 0
			s.LastError = ""
		}
	})
	o.emit(Event{Kind: EventState, SessionID: a.sess.ID, State: state})
}

func (o *Orchestrator) publishError(a *active, msg string) {
	o.snap.Write(func(s *Snapshot) { s.LastError = msg })
	o.emit(Event{Kind: EventError, SessionID: a.sess.ID, Message: msg})
}

// emit never blocks; observers that fall behind lose events but keep the
// snapshot for recovery.
func (o *Orchestrator) emit(e Event) {
	select {
	case o.events <- e:
	default:
	}
}
