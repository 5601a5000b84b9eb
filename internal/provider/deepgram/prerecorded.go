package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meetcap/meetcap/internal/errors"
)

const prerecordedTimeout = 60 * time.Second

type prerecordedResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe runs a complete WAV container through the prerecorded endpoint.
// The API takes no continuity prompt, so contextPrompt is ignored.
func (p *Provider) Transcribe(ctx context.Context, audioBytes []byte, _ string) (string, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return "", errors.New(errors.CodeMissingCredential, "deepgram api key not configured")
	}

	u, err := url.Parse(strings.TrimRight(p.cfg.APIBase, "/") + "/listen")
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInvalid, "invalid deepgram api base")
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	q.Set("smart_format", "true")
	if locale := p.Locale(); locale != "" {
		q.Set("language", localeToLanguage(locale))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(audioBytes))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "build request")
	}
	req.Header.Set("Content-Type", "audio/wav")
	req.Header.Set("Authorization", "Token "+p.cfg.APIKey)

	hc := &http.Client{Timeout: prerecordedTimeout}
	resp, err := hc.Do(req)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeNetworkFailure, "deepgram request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWireBytes))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeNetworkFailure, "deepgram response read failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.UpstreamStatus(resp.StatusCode, string(body))
	}

	var out prerecordedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Wrap(err, errors.CodeUpstreamStatus, "decode transcription response")
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Results.Channels[0].Alternatives[0].Transcript), nil
}
