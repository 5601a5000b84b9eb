// Package deepgram implements the streaming transcription variant over the
// Deepgram realtime websocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/meetcap/meetcap/internal/audio"
	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/provider"
	"github.com/meetcap/meetcap/internal/syncx"
	"github.com/meetcap/meetcap/internal/trace"
)

const (
	updateBuffer = 64
	maxWireBytes = 1 << 20
)

// Config controls the websocket connection.
type Config struct {
	APIKey        string
	APIBase       string // https base, e.g. https://api.deepgram.com/v1
	Model         string
	DefaultLocale string // used until a language is detected
}

// Provider streams microphone frames to Deepgram and yields transcript
// updates. The spoken language is detected lazily from the first finalized
// segment and locked for the rest of the provider's lifetime; a new streaming
// session reconnects with the locked locale.
type Provider struct {
	cfg    Config
	locale *syncx.RWGuard[string]
}

func New(cfg Config) *Provider {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &Provider{cfg: cfg, locale: syncx.NewGuard("")}
}

// Locale reports the locked recognition locale, falling back to the default
// until detection has happened.
func (p *Provider) Locale() string {
	if l := p.locale.Get(); l != "" {
		return l
	}
	return p.cfg.DefaultLocale
}

// StartStreaming opens the realtime connection and returns the update
// sequence. The sequence ends when frames is closed and the server has
// flushed its final results, or when ctx is cancelled.
func (p *Provider) StartStreaming(ctx context.Context, frames <-chan []byte, format audio.Format) (<-chan provider.TranscriptUpdate, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, errors.New(errors.CodeMissingCredential, "deepgram api key not configured")
	}

	wsURL, err := listenURL(p.cfg.APIBase, p.cfg.Model, p.Locale(), format, true)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNetworkFailure, "deepgram websocket dial failed")
	}
	conn.SetReadLimit(maxWireBytes)

	updates := make(chan provider.TranscriptUpdate, updateBuffer)
	go p.writeLoop(ctx, conn, frames)
	go p.readLoop(ctx, conn, updates)
	return updates, nil
}

// writeLoop forwards audio frames and signals end-of-stream when the frame
// channel closes.
func (p *Provider) writeLoop(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) {
	log := trace.Logger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
					log.Debug("deepgram close-stream write failed", "error", err)
				}
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				log.Warn("deepgram frame write failed", "error", err)
				return
			}
		}
	}
}

// readLoop turns server messages into transcript updates. Confirmed text only
// grows by appending finalized segments; partials replace each other.
func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn, updates chan<- provider.TranscriptUpdate) {
	defer close(updates)
	defer conn.Close(websocket.StatusNormalClosure, "session complete")

	log := trace.Logger(ctx)
	var confirmed strings.Builder
	detected := p.locale.Get() != ""

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Warn("deepgram stream ended", "error", err)
			}
			return
		}

		var resp listenResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		switch {
		case strings.EqualFold(resp.Type, "Metadata"):
			// Sent after CloseStream once all results are flushed.
			return
		case strings.EqualFold(resp.Type, "Error"):
			log.Warn("deepgram reported error", "message", resp.Message)
			return
		}

		text := resp.transcript()
		if text == "" {
			continue
		}

		update := provider.TranscriptUpdate{PartialText: text}
		if resp.IsFinal || resp.SpeechFinal {
			if confirmed.Len() > 0 {
				confirmed.WriteByte(' ')
			}
			confirmed.WriteString(text)
			update = provider.TranscriptUpdate{SegmentText: text, IsFinal: true}
			if !detected {
				detected = true
				p.lockLocale(ctx, text)
			}
		}
		update.ConfirmedText = confirmed.String()

		select {
		case updates <- update:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Provider) lockLocale(ctx context.Context, text string) {
	locale := DetectLocale(text, p.cfg.DefaultLocale)
	p.locale.Set(locale)
	trace.Logger(ctx).Info("recognition locale locked", "locale", locale)
}

type listenResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r listenResponse) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}

// listenURL builds the /listen endpoint URL with the ws scheme and the
// encoding parameters matching raw 16-bit PCM frames.
func listenURL(base, model, locale string, format audio.Format, interim bool) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	u, err := url.Parse(base + "/listen")
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInvalid, "invalid deepgram api base")
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", format.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", format.Channels))
	q.Set("interim_results", fmt.Sprintf("%t", interim))
	q.Set("smart_format", "true")
	if locale != "" {
		q.Set("language", localeToLanguage(locale))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
