package session

import (
	"context"
	"time"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/provider"
)

// AudioSource is the capture device driving a session.
type AudioSource interface {
	RequestPermission() bool
	Start(ctx context.Context) error
	Frames() <-chan []byte
	Format() audio.Format
	Elapsed() time.Duration
	Path() string
	NextRotatedChunk() []byte
	StopAndTrailingChunk() []byte
}

// Store persists sessions and their transcript artifacts.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	SaveProgress(ctx context.Context, s *Session) error
	CompleteSession(ctx context.Context, s *Session) error
	AppendSegment(ctx context.Context, seg Segment) error
	AppendQuestion(ctx context.Context, q Question) error
	AppendChatTurn(ctx context.Context, turn ChatTurn) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListChatTurns(ctx context.Context, sessionID string) ([]ChatTurn, error)
}

// ProviderFactory resolves the active backends. Fallback returns a resolver
// with the on-device preference overridden, used once per concern after the
// local model proves unavailable.
type ProviderFactory interface {
	Transcriber() provider.Transcriber
	AI() provider.AI
	Fallback() ProviderFactory
}
