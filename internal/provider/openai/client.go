// Package openai implements the cloud transcription and AI variants against
// an OpenAI-compatible API surface.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/resilience"
	"github.com/meetcap/meetcap/internal/trace"
)

const (
	requestTimeout   = 60 * time.Second
	maxResponseBytes = 4 << 20

	transcribeModel = "whisper-1"

	// ChatHistoryLimit bounds how many prior turns accompany a chat request.
	ChatHistoryLimit = 10
)

// Client talks to an OpenAI-compatible API. A single circuit breaker guards
// all endpoints since they share one upstream.
type Client struct {
	base    string
	model   string
	key     string
	hc      *http.Client
	breaker *resilience.Breaker
}

// New builds a client for the given API base (e.g. https://api.openai.com/v1)
// and chat model. An empty key is allowed at construction; calls fail with a
// missing-credential error.
func New(base, model, key string) *Client {
	return &Client{
		base:    base,
		model:   model,
		key:     key,
		hc:      &http.Client{Timeout: requestTimeout},
		breaker: resilience.New(resilience.DefaultConfig()),
	}
}

func (c *Client) checkKey() error {
	if c.key == "" {
		return errors.New(errors.CodeMissingCredential, "openai api key not configured")
	}
	return nil
}

// doRequest sends req through the circuit breaker and returns the response
// body. Non-2xx statuses become upstream-status errors carrying the code.
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	return resilience.ExecuteWithResult(c.breaker, func() ([]byte, error) {
		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeNetworkFailure, "openai request failed")
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeNetworkFailure, "openai response read failed")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, errors.UpstreamStatus(resp.StatusCode, string(body))
		}
		return body, nil
	})
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
	req.Header.Set("Authorization", "Bearer "+c.key)

	start := time.Now()
	raw, err := c.doRequest(req)
	if err != nil {
		return err
	}
	trace.Logger(ctx).Debug("openai call complete", "path", path, "duration_ms", time.Since(start).Milliseconds())

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.CodeUpstreamStatus, "decode openai response")
	}
	return nil
}
