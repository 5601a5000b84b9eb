// Package server provides the HTTP and WebSocket observer surface.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/session"
	"github.com/meetcap/meetcap/internal/trace"
)

// Pipeline is the recording pipeline the server controls and observes.
type Pipeline interface {
	Start(ctx context.Context) (*session.Session, error)
	Stop(ctx context.Context) (*session.Session, error)
	Events() <-chan session.Event
	Snapshot() session.Snapshot
	Chat(ctx context.Context, sessionID, message string) (string, error)
}

// SessionReader serves stored sessions to the REST API.
type SessionReader interface {
	GetSession(ctx context.Context, id string) (*session.Session, error)
	ListSessions(ctx context.Context, limit int) ([]session.Session, error)
	ListSegments(ctx context.Context, sessionID string) ([]session.Segment, error)
	ListQuestions(ctx context.Context, sessionID string) ([]session.Question, error)
	ListChatTurns(ctx context.Context, sessionID string) ([]session.ChatTurn, error)
}

// Message types.
type Message struct {
	Type string `json:"type"`
}

type ChatMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id,omitempty"`
}

type ChatReplyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type SnapshotMessage struct {
	Type     string           `json:"type"`
	Snapshot session.Snapshot `json:"snapshot"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	pipeline Pipeline
	sessions SessionReader

	mu         sync.RWMutex
	conns      map[*websocket.Conn]struct{}
	rateLimits map[*websocket.Conn]*rateLimiter
}

// New creates a server and starts the event broadcaster.
func New(pipeline Pipeline, sessions SessionReader) *Server {
	s := &Server{
		pipeline:   pipeline,
		sessions:   sessions,
		conns:      make(map[*websocket.Conn]struct{}),
		rateLimits: make(map[*websocket.Conn]*rateLimiter),
	}
	go s.broadcastEvents()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("websocket accept error", "error", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.rateLimits[conn] = &rateLimiter{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		delete(s.rateLimits, conn)
		s.mu.Unlock()
	}()

	baseCtx := r.Context()
	log := trace.Logger(baseCtx)
	log.Info("websocket connected", "remote", r.RemoteAddr)

	// Late joiners recover current state from the snapshot.
	_ = wsjson.Write(baseCtx, conn, SnapshotMessage{Type: "snapshot", Snapshot: s.pipeline.Snapshot()})

	for {
		var msg json.RawMessage
		if err := wsjson.Read(baseCtx, conn, &msg); err != nil {
			log.Debug("websocket read error", "error", err)
			return
		}

		s.mu.RLock()
		rl := s.rateLimits[conn]
		s.mu.RUnlock()

		if !rl.allow() {
			log.Warn("rate limit exceeded", "remote", r.RemoteAddr)
			_ = wsjson.Write(baseCtx, conn, ErrorMessage{Type: "error", Message: "rate limit exceeded"})
			continue
		}

		var base Message
		if err := json.Unmarshal(msg, &base); err != nil {
			continue
		}

		switch base.Type {
		case "chat":
			var chat ChatMessage
			if err := json.Unmarshal(msg, &chat); err != nil {
				continue
			}
			ctx := baseCtx
			if chat.TraceID != "" {
				tc := trace.NewChild(trace.Context{TraceID: chat.TraceID})
				ctx = trace.WithContext(ctx, tc)
			} else {
				ctx, _ = trace.EnsureContext(ctx)
			}
			s.handleChat(ctx, conn, chat)
		}
	}
}

func (s *Server) handleChat(ctx context.Context, conn *websocket.Conn, chat ChatMessage) {
	ctx, span := trace.StartSpan(ctx, "handle_chat")
	defer span.End()

	log := trace.Logger(ctx)
	log.Info("chat message", "session_id", chat.SessionID)

	reply, err := s.pipeline.Chat(ctx, chat.SessionID, chat.Message)
	if err != nil {
		span.SetAttr("error", err.Error())
		log.Warn("chat failed", "error", err)
		_ = wsjson.Write(ctx, conn, ErrorMessage{Type: "error", Message: errors.CodeOf(err).String()})
		return
	}

	_ = wsjson.Write(ctx, conn, ChatReplyMessage{Type: "chat_reply", SessionID: chat.SessionID, Text: reply})
}

// broadcastEvents fans pipeline events out to every connected observer.
func (s *Server) broadcastEvents() {
	for evt := range s.pipeline.Events() {
		s.mu.RLock()
		for conn := range s.conns {
			go func(c *websocket.Conn, e session.Event) {
				_ = wsjson.Write(context.Background(), c, e)
			}(conn, evt)
		}
		s.mu.RUnlock()
	}
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Start(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAPISession(sess))
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	sess, err := s.pipeline.Stop(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPISession(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context(), sessionListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]apiSession, len(sessions))
	for i := range sessions {
		out[i] = toAPISession(&sessions[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	detail := apiSessionDetail{apiSession: toAPISession(sess)}
	if segs, err := s.sessions.ListSegments(ctx, id); err == nil {
		for _, seg := range segs {
			detail.Segments = append(detail.Segments, apiSegment{Seq: seg.Seq, Text: seg.Text})
		}
	}
	if questions, err := s.sessions.ListQuestions(ctx, id); err == nil {
		for _, q := range questions {
			detail.Questions = append(detail.Questions, q.Text)
		}
	}
	if turns, err := s.sessions.ListChatTurns(ctx, id); err == nil {
		for _, turn := range turns {
			detail.Chat = append(detail.Chat, apiChatTurn{Role: turn.Role, Text: turn.Text})
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

type apiSession struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	StartedAt  time.Time   `json:"startedAt"`
	DurationS  int         `json:"durationSeconds"`
	Status     string      `json:"status"`
	Transcript string      `json:"transcript,omitempty"`
	AudioPath  string      `json:"audioPath,omitempty"`
	Summary    *apiSummary `json:"summary,omitempty"`
}

type apiSummary struct {
	Summary      string   `json:"summary"`
	KeyPoints    []string `json:"keyPoints,omitempty"`
	ActionItems  []string `json:"actionItems,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

type apiSegment struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

type apiChatTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type apiSessionDetail struct {
	apiSession
	Segments  []apiSegment  `json:"segments,omitempty"`
	Questions []string      `json:"questions,omitempty"`
	Chat      []apiChatTurn `json:"chat,omitempty"`
}

func toAPISession(s *session.Session) apiSession {
	out := apiSession{
		ID:         s.ID,
		Title:      s.Title,
		StartedAt:  s.StartedAt,
		DurationS:  int(s.Duration.Seconds()),
		Status:     string(s.Status),
		Transcript: s.Transcript,
		AudioPath:  s.AudioPath,
	}
	if s.Summary != nil {
		out.Summary = &apiSummary{
			Summary:      s.Summary.Summary,
			KeyPoints:    s.Summary.KeyPoints,
			ActionItems:  s.Summary.ActionItems,
			Participants: s.Summary.Participants,
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errors.CodeOf(err)
	var app *errors.AppError
	if errors.As(err, &app) {
		status = app.HTTPStatus()
	}
	writeJSON(w, status, map[string]string{"error": code.String(), "message": err.Error()})
}
