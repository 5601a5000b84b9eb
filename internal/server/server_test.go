package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/session"
)

type fakePipeline struct {
	mu        sync.Mutex
	events    chan session.Event
	sess      *session.Session
	startErr  error
	recording bool
	chatReply string
	chatErr   error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		events: make(chan session.Event, 16),
		sess: &session.Session{
			ID:        "s1",
			Title:     "Session Jan 2, 2026 15:04",
			StartedAt: time.Now(),
			Status:    session.StatusRecording,
		},
	}
}

func (f *fakePipeline) Start(context.Context) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	if f.recording {
		return nil, errors.New(errors.CodeInvalid, "recording already in progress")
	}
	f.recording = true
	return f.sess, nil
}

func (f *fakePipeline) Stop(context.Context) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.recording {
		return nil, errors.New(errors.CodeInvalid, "no recording in progress")
	}
	f.recording = false
	return f.sess, nil
}

func (f *fakePipeline) Events() <-chan session.Event { return f.events }

func (f *fakePipeline) Snapshot() session.Snapshot {
	return session.Snapshot{State: "idle"}
}

func (f *fakePipeline) Chat(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chatReply, f.chatErr
}

type fakeReader struct {
	sessions  map[string]*session.Session
	segments  map[string][]session.Segment
	questions map[string][]session.Question
	turns     map[string][]session.ChatTurn
}

func (f *fakeReader) GetSession(_ context.Context, id string) (*session.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, errors.Newf(errors.CodeNotFound, "session %s not found", id)
}

func (f *fakeReader) ListSessions(context.Context, int) ([]session.Session, error) {
	var out []session.Session
	for _, s := range f.sessions {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeReader) ListSegments(_ context.Context, id string) ([]session.Segment, error) {
	return f.segments[id], nil
}

func (f *fakeReader) ListQuestions(_ context.Context, id string) ([]session.Question, error) {
	return f.questions[id], nil
}

func (f *fakeReader) ListChatTurns(_ context.Context, id string) ([]session.ChatTurn, error) {
	return f.turns[id], nil
}

func testServer(t *testing.T, p *fakePipeline, r *fakeReader) *httptest.Server {
	t.Helper()
	if r == nil {
		r = &fakeReader{sessions: map[string]*session.Session{}}
	}
	srv := httptest.NewServer(New(p, r).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestSessionStartEndpoint(t *testing.T) {
	srv := testServer(t, newFakePipeline(), nil)

	resp, err := http.Post(srv.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got apiSession
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "s1" || got.Status != "recording" {
		t.Errorf("session = %+v", got)
	}
}

func TestSessionStartConflict(t *testing.T) {
	p := newFakePipeline()
	p.recording = true
	srv := testServer(t, p, nil)

	resp, err := http.Post(srv.URL+"/api/session/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST start: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSessionStopWithoutRecording(t *testing.T) {
	srv := testServer(t, newFakePipeline(), nil)

	resp, err := http.Post(srv.URL+"/api/session/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST stop: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv := testServer(t, newFakePipeline(), nil)

	resp, err := http.Get(srv.URL + "/api/sessions/missing")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGetSessionDetail(t *testing.T) {
	reader := &fakeReader{
		sessions: map[string]*session.Session{
			"s1": {ID: "s1", Title: "t", Status: session.StatusCompleted, Transcript: "words"},
		},
		segments:  map[string][]session.Segment{"s1": {{Seq: 0, Text: "words"}}},
		questions: map[string][]session.Question{"s1": {{Text: "What next?"}}},
		turns:     map[string][]session.ChatTurn{"s1": {{Role: "user", Text: "hi"}}},
	}
	srv := testServer(t, newFakePipeline(), reader)

	resp, err := http.Get(srv.URL + "/api/sessions/s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got apiSessionDetail
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "s1" || len(got.Segments) != 1 || len(got.Questions) != 1 || len(got.Chat) != 1 {
		t.Errorf("detail = %+v", got)
	}
}

func TestListSessions(t *testing.T) {
	reader := &fakeReader{sessions: map[string]*session.Session{
		"s1": {ID: "s1", Status: session.StatusCompleted},
	}}
	srv := testServer(t, newFakePipeline(), reader)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var got struct {
		Sessions []apiSession `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Sessions) != 1 {
		t.Errorf("sessions = %d", len(got.Sessions))
	}
}

func TestWebSocketSnapshotAndBroadcast(t *testing.T) {
	p := newFakePipeline()
	srv := testServer(t, p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot SnapshotMessage
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snapshot.Type != "snapshot" || snapshot.Snapshot.State != "idle" {
		t.Errorf("snapshot = %+v", snapshot)
	}

	p.events <- session.Event{Kind: session.EventTranscript, SessionID: "s1", Transcript: "hello"}

	var evt session.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Kind != session.EventTranscript || evt.Transcript != "hello" {
		t.Errorf("event = %+v", evt)
	}
}

func TestWebSocketChat(t *testing.T) {
	p := newFakePipeline()
	p.chatReply = "the reply"
	srv := testServer(t, p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var snapshot SnapshotMessage
	if err := wsjson.Read(ctx, conn, &snapshot); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}

	if err := wsjson.Write(ctx, conn, ChatMessage{Type: "chat", SessionID: "s1", Message: "hello?"}); err != nil {
		t.Fatalf("write chat: %v", err)
	}

	var reply ChatReplyMessage
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != "chat_reply" || reply.Text != "the reply" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d rejected inside the limit", i)
		}
	}
	if rl.allow() {
		t.Error("message allowed past the limit")
	}
}
