// Package local implements the on-device transcription and AI variants
// against an OpenAI-compatible inference daemon running on localhost.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/meetcap/meetcap/internal/errors"
)

const (
	// Local models are slow; give them room before declaring failure.
	requestTimeout   = 120 * time.Second
	maxResponseBytes = 4 << 20

	// ChatHistoryLimit is tighter than the cloud limit to fit small context
	// windows.
	ChatHistoryLimit = 6

	// TranscriptLimit truncates transcripts sent to the local model, keeping
	// the most recent text.
	TranscriptLimit = 4000
)

// Client talks to a local inference daemon. No credentials are involved; an
// unreachable or overloaded daemon maps to a model-unavailable error so
// callers can fall back to the cloud variant.
type Client struct {
	base string
	hc   *http.Client
}

// New builds a client for the daemon's API base, e.g. http://localhost:8757/v1.
func New(base string) *Client {
	return &Client{base: base, hc: &http.Client{Timeout: requestTimeout}}
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeModelUnavailable, "local model daemon unreachable")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeModelUnavailable, "local model response read failed")
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, errors.New(errors.CodeModelUnavailable, "local model not loaded")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.UpstreamStatus(resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.CodeUpstreamStatus, "decode local model response")
	}
	return nil
}
