package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/config"
)

// ReasoningClient speaks an OpenAI-compatible streaming API whose deltas
// carry reasoning text on a side channel. The same tagger used for the
// envelope protocol reconstructs think transitions and special blocks, so
// callers see identical events from either backend.
type ReasoningClient struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewReasoningClient creates a client for the configured endpoint.
func NewReasoningClient(cfg config.GatewayConfig, logger *zap.Logger) *ReasoningClient {
	oc := openai.DefaultConfig(cfg.OAIKey)
	oc.BaseURL = cfg.Endpoint
	return &ReasoningClient{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger.Named("reasoning_client"),
	}
}

// StreamChat streams the full message history and forwards typed events to
// eventChan as deltas arrive.
func (c *ReasoningClient) StreamChat(ctx context.Context, sessionID string, messages []Message, eventChan chan<- StreamEvent) (*StreamResult, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: open completion stream: %v", apperrors.ErrUpstream, err)
	}
	defer stream.Close()

	var tag tagger
	result := &StreamResult{}

	forward := func(evs []StreamEvent) {
		for _, ev := range evs {
			switch ev.Kind {
			case EventThinkText:
				result.Think += ev.Content
			case EventAnswerText:
				result.Answer += ev.Content
			}
			if eventChan != nil {
				eventChan <- ev
			}
		}
	}

	for {
		chunk, recvErr := stream.Recv()
		if recvErr != nil {
			if errors.Is(recvErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: read completion stream: %v", apperrors.ErrUpstream, recvErr)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		// Some backends emit newline-only reasoning keepalives.
		if delta.ReasoningContent != "" && strings.TrimSpace(delta.ReasoningContent) != "" {
			forward(tag.thinkText(delta.ReasoningContent))
		}
		if delta.Content != "" {
			forward(tag.answerText(delta.Content))
		}
	}
	forward(tag.finish())

	if tag.blockSeen {
		result.Block = tag.block
		result.BlockPayload = strings.TrimSpace(tag.blockBuf.String())
	}
	return result, nil
}

// Complete issues a non-streaming completion and returns the answer text.
func (c *ReasoningClient) Complete(ctx context.Context, sessionID string, prompt string) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: prompt}},
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: completion: %v", apperrors.ErrUpstream, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", apperrors.ErrUpstream)
	}
	return resp.Choices[0].Message.Content, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
