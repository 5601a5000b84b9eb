package trace

import (
	"encoding/json"
	"net/http"
)

// Middleware threads trace context through each request, continuing a trace
// announced by the caller's headers or minting a fresh one.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc := Context{
			TraceID:      r.Header.Get(TraceIDKey),
			ParentSpanID: r.Header.Get(SpanIDKey),
			SpanID:       generateSpanID(),
		}
		if tc.TraceID == "" {
			tc.TraceID = generateTraceID()
		}
		next.ServeHTTP(w, r.WithContext(WithContext(r.Context(), tc)))
	})
}

// ExtractFromJSON reads an embedded trace_id from a message payload.
// Websocket frames carry their correlation ID in the body rather than in
// headers. Reports whether one was found; a fresh context is returned either
// way.
func ExtractFromJSON(data []byte) (Context, bool) {
	var msg struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.TraceID == "" {
		return New(), false
	}
	return Context{
		TraceID: msg.TraceID,
		SpanID:  generateSpanID(),
	}, true
}
