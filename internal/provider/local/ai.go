package local

import (
	"context"
	"strings"

	"github.com/meetcap/meetcap/internal/errors"
	"github.com/meetcap/meetcap/internal/provider"
)

const (
	questionSystemPrompt = "You are listening to a meeting. Suggest one short follow-up question " +
		"the listener could ask, based on the transcript. Do not repeat questions already asked. " +
		"If nothing is worth asking, reply with exactly " + provider.NoQuestionSentinel + "."

	summarySystemPrompt = "Summarize the meeting transcript. Reply with one JSON object with keys: " +
		"summary, keyPoints, actionItems, participants. No other text."

	chatSystemPrompt = "Answer the user's question about the meeting using only its transcript."
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
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
	var out chatResponse
	req := chatRequest{Messages: messages, Temperature: temperature}
	if err := c.postJSON(ctx, "/chat/completions", req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", errors.New(errors.CodeUpstreamStatus, "local model response carried no choices")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// GenerateQuestion suggests a follow-up question from the transcript tail.
func (c *Client) GenerateQuestion(ctx context.Context, transcript string, asked []string) (string, error) {
	user := "Transcript so far:\n" + provider.Tail(transcript, TranscriptLimit)
	if len(asked) > 0 {
		user += "\n\nAlready asked:\n- " + strings.Join(asked, "\n- ")
	}
	return c.complete(ctx, []chatMessage{
		{Role: "system", Content: questionSystemPrompt},
		{Role: "user", Content: user},
	}, 0.7)
}

// GenerateSummary summarizes the transcript, truncated to fit the
// model's context window.
func (c *Client) GenerateSummary(ctx context.Context, transcript string) (provider.SummaryResult, error) {
	resp, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: provider.Tail(transcript, TranscriptLimit)},
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
		{Role: "user", Content: "Meeting transcript:\n\n" + provider.Tail(transcript, TranscriptLimit)},
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
