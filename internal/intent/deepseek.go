package intent

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-deepseek/deepseek"
	"github.com/go-deepseek/deepseek/request"
)

const classifyPrompt = `You sort replies to reminder notifications.
Answer with exactly one line:
DONE if the user says the task is finished,
SKIP if the user no longer wants to do it,
SNOOZE <minutes> if the user asks to be reminded later,
NONE for anything else.`

type chatFunc func(ctx context.Context, req *request.ChatCompletionsRequest) (string, error)

// DeepSeek classifies free-form replies with a chat model.
type DeepSeek struct {
	model string
	chat  chatFunc
}

// NewDeepSeek creates a classifier using the given API key and model.
func NewDeepSeek(apiKey, model string) (*DeepSeek, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	client, err := deepseek.NewClient(apiKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create DeepSeek client: %w", err)
	}

	return &DeepSeek{
		model: model,
		chat: func(ctx context.Context, req *request.ChatCompletionsRequest) (string, error) {
			resp, err := client.CallChatCompletionsChat(ctx, req)
			if err != nil {
				return "", err
			}
			if len(resp.Choices) == 0 {
				return "", fmt.Errorf("empty response")
			}
			return resp.Choices[0].Message.Content, nil
		},
	}, nil
}

func (d *DeepSeek) Classify(ctx context.Context, text string) (Reply, error) {
	temp := float32(0)
	chatReq := &request.ChatCompletionsRequest{
		Model: d.model,
		Messages: []*request.Message{
			{Role: "system", Content: classifyPrompt},
			{Role: "user", Content: text},
		},
		MaxTokens:   16,
		Temperature: &temp,
		Stream:      false,
	}

	content, err := d.chat(ctx, chatReq)
	if err != nil {
		return Reply{}, fmt.Errorf("DeepSeek API request failed: %w", err)
	}
	return parseVerdict(content), nil
}

func parseVerdict(content string) Reply {
	fields := strings.Fields(strings.ToUpper(strings.TrimSpace(content)))
	if len(fields) == 0 {
		return Reply{}
	}

	switch fields[0] {
	case "DONE":
		return Reply{Action: ActionDone}
	case "SKIP":
		return Reply{Action: ActionSkip}
	case "SNOOZE":
		d := DefaultSnooze
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n > 0 {
				d = snoozeFor(n, time.Minute)
			}
		}
		return Reply{Action: ActionSnooze, Snooze: d}
	}
	return Reply{}
}
