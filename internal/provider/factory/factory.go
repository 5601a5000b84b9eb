// Package factory resolves the active transcription and AI backends from
// configuration, credentials, and the on-device preference.
package factory

import (
	"sync"

	"github.com/meetcap/meetcap/internal/config"
	"github.com/meetcap/meetcap/internal/provider"
	"github.com/meetcap/meetcap/internal/provider/deepgram"
	"github.com/meetcap/meetcap/internal/provider/local"
	"github.com/meetcap/meetcap/internal/provider/openai"
	"github.com/meetcap/meetcap/internal/secrets"
	"github.com/meetcap/meetcap/internal/session"
)

// Secret key identifiers.
const (
	KeyOpenAI   = "OPENAI_API_KEY"
	KeyDeepgram = "DEEPGRAM_API_KEY"
)

// Selector picks providers per the current preference. Instances are
// memoized so per-provider state, like a locked recognition locale or a
// circuit breaker, survives across resolutions.
type Selector struct {
	cfg  *config.Config
	keys secrets.Reader

	mu       sync.Mutex
	onDevice *local.Client
	cloud    *openai.Client
	stream   *deepgram.Provider
}

var _ session.ProviderFactory = (*Selector)(nil)

func New(cfg *config.Config, keys secrets.Reader) *Selector {
	return &Selector{cfg: cfg, keys: keys}
}

// Fallback returns a view of the selector with the on-device preference
// overridden, used after the local daemon proves unavailable. The view
// delegates to the parent, so clients it resolves are the parent's memoized
// instances regardless of which side resolved first.
func (s *Selector) Fallback() session.ProviderFactory {
	return fallbackView{parent: s}
}

// fallbackView resolves providers as if the on-device preference were off.
type fallbackView struct {
	parent *Selector
}

func (v fallbackView) Transcriber() provider.Transcriber {
	if v.parent.secret(KeyDeepgram) != "" {
		return v.parent.streamProvider()
	}
	return v.parent.cloudClient()
}

func (v fallbackView) AI() provider.AI { return v.parent.cloudClient() }

func (v fallbackView) Fallback() session.ProviderFactory { return v }

func (s *Selector) preferOnDevice() bool {
	return s.cfg.PreferOnDevice
}

func (s *Selector) secret(id string) string {
	if s.keys == nil {
		return ""
	}
	v, _ := s.keys.Read(id)
	return v
}

// Transcriber returns the active transcription backend. On-device preference
// selects the local daemon; otherwise the streaming variant when its
// credential exists, falling back to cloud chunked transcription.
func (s *Selector) Transcriber() provider.Transcriber {
	if s.preferOnDevice() {
		return s.localClient()
	}
	if s.secret(KeyDeepgram) != "" {
		return s.streamProvider()
	}
	return s.cloudClient()
}

// AI returns the active AI backend.
func (s *Selector) AI() provider.AI {
	if s.preferOnDevice() {
		return s.localClient()
	}
	return s.cloudClient()
}

func (s *Selector) localClient() *local.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onDevice == nil {
		s.onDevice = local.New(s.cfg.OnDeviceAddr)
	}
	return s.onDevice
}

func (s *Selector) cloudClient() *openai.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cloud == nil {
		s.cloud = openai.New(s.cfg.CloudAPIBase, s.cfg.CloudModel, s.secret(KeyOpenAI))
	}
	return s.cloud
}

func (s *Selector) streamProvider() *deepgram.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		s.stream = deepgram.New(deepgram.Config{
			APIKey:        s.secret(KeyDeepgram),
			APIBase:       s.cfg.StreamAPIBase,
			Model:         s.cfg.StreamModel,
			DefaultLocale: s.cfg.DefaultLocale,
		})
	}
	return s.stream
}
