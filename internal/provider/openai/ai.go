package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/provider"
)

const (
	questionSystemPrompt = "You are listening to a live meeting. Given the transcript so far, " +
		"suggest one short, insightful follow-up question the listener could ask. " +
		"Do not repeat or rephrase questions already asked. " +
		"If nothing is worth asking, reply with exactly " + provider.NoQuestionSentinel + "."

	summarySystemPrompt = "You summarize meeting transcripts. Reply with a single JSON object, " +
		"no markdown fences, with keys: summary (string), keyPoints (array of strings), " +
		"actionItems (array of strings), participants (array of strings)."

	chatSystemPrompt = "You answer questions about a meeting using its transcript. " +
		"Ground every answer in the transcript; say so when it does not contain the answer."
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, messages []chatMessage, temperature float64) (string, error) {
	if err := c.checkKey(); err != nil {
		return "", err
	}

	var out chatResponse
	req := chatRequest{Model: c.model, Messages: messages, Temperature: temperature}
	if err := c.postJSON(ctx, "/chat/completions", req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New(errors.CodeUpstreamStatus, "openai response carried no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// GenerateQuestion returns a suggested follow-up question, or the sentinel
// text when the model declines. The caller filters the sentinel.
func (c *Client) GenerateQuestion(ctx context.Context, transcript string, asked []string) (string, error) {
	user := "Transcript so far:\n" + transcript
	if len(asked) > 0 {
		user += "\n\nAlready asked:\n- " + strings.Join(asked, "\n- ")
	}
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: questionSystemPrompt},
		{Role: "user", Content: user},
	}, 0.7)
}

// GenerateSummary asks for a structured summary of the full transcript.
func (c *Client) GenerateSummary(ctx context.Context, transcript string) (provider.SummaryResult, error) {
	resp, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: "Summarize this meeting transcript:\n\n" + transcript},
	}, 0.3)
	if err != nil {
		return provider.SummaryResult{}, err
	}
	return provider.ParseSummary(resp), nil
}

// Chat answers a follow-up question about a finished session.
func (c *Client) Chat(ctx context.Context, message, transcript string, history []provider.ChatTurn) (string, error) {
	messages := []chatMessage{
		{Role: "system", Content: chatSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Meeting transcript:\n\n%s", transcript)},
	}
	for _, turn := range provider.CapHistory(history, ChatHistoryLimit) {
		role := "user"
		if turn.Role == "assistant" {
			role = "assistant"
		}
		messages = append(messages, chatMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, chatMessage{Role: "user", Content: message})
	return c.complete(ctx, messages, 0.5)
}
