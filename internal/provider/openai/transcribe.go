package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/meetcap/meetcap/internal/errors"
)

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe sends a complete WAV container to the audio transcription
// endpoint. contextPrompt, when non-empty, is passed as the prompt field so
// the model keeps continuity with earlier chunks.
func (c *Client) Transcribe(ctx context.Context, audioBytes []byte, contextPrompt string) (string, error) {
	if err := c.checkKey(); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "build multipart body")
	}
	if _, err := part.Write(audioBytes); err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "write multipart body")
	}
	if err := mw.WriteField("model", transcribeModel); err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "write multipart field")
	}
	if contextPrompt != "" {
		if err := mw.WriteField("prompt", contextPrompt); err != nil {
			return "", errors.Wrap(err, errors.CodeInternal, "write multipart field")
		}
	}
	if err := mw.Close(); err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "finish multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/audio/transcriptions", &buf)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "build request")
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.key)

	raw, err := c.doRequest(req)
	if err != nil {
		return "", err
	}

	var out transcriptionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", errors.Wrap(err, errors.CodeUpstreamStatus, "decode transcription response")
	}
	return strings.TrimSpace(out.Text), nil
}
