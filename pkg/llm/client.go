package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyforge-ai/story-engine/pkg/apperrors"
	"github.com/storyforge-ai/story-engine/pkg/config"
)

// maxGatewaySessionID is the gateway's session identifier length limit.
const maxGatewaySessionID = 50

// GatewayClient talks to an enterprise model gateway that streams answers in
// the keyed-record envelope protocol and authenticates with short-lived
// door-key tokens.
type GatewayClient struct {
	httpClient *http.Client
	exchanger  *tokenExchanger
	chatURL    string
	serviceID  string
	userCode   string
	logger     *zap.Logger
}

// NewGatewayClient creates a gateway client from configuration. The token
// cache is injected so multiple clients can share one.
func NewGatewayClient(cfg config.GatewayConfig, cache *TokenCache, logger *zap.Logger) *GatewayClient {
	httpClient := &http.Client{Timeout: 10 * time.Minute}
	return &GatewayClient{
		httpClient: httpClient,
		exchanger:  newTokenExchanger(httpClient, cache, cfg.TokenURL, cfg.APIKey, cfg.SecretKey, logger),
		chatURL:    cfg.ChatURL,
		serviceID:  cfg.ServiceID,
		userCode:   cfg.UserCode,
		logger:     logger.Named("gateway_client"),
	}
}

type gatewayChatRequest struct {
	UserInput string `json:"userInput"`
	SessionID string `json:"sessionId"`
	ServiceID string `json:"serviceId"`
	RequestID string `json:"requestId"`
	UserCode  string `json:"userCode,omitempty"`
}

// StreamChat sends the last user message to the gateway and demultiplexes the
// envelope response, forwarding every event to eventChan as it is decoded.
func (c *GatewayClient) StreamChat(ctx context.Context, sessionID string, messages []Message, eventChan chan<- StreamEvent) (*StreamResult, error) {
	resp, err := c.openStream(ctx, sessionID, messages)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	demux := NewDemultiplexer()
	result := &StreamResult{}

	forward := func(evs []StreamEvent) {
		for _, ev := range evs {
			switch ev.Kind {
			case EventThinkText:
				result.Think += ev.Content
			case EventAnswerText:
				result.Answer += ev.Content
			case EventWarning:
				c.logger.Warn("gateway stream warning",
					zap.String("session_id", sessionID),
					zap.String("detail", ev.Content))
			}
			if eventChan != nil {
				eventChan <- ev
			}
		}
	}

	buf := make([]byte, 8192)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			forward(demux.Feed(buf[:n]))
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: read gateway stream: %v", apperrors.ErrUpstream, readErr)
		}
	}
	forward(demux.Finish())

	result.Block, result.BlockPayload = demux.Block()
	return result, nil
}

// Complete sends a single prompt and returns the accumulated answer text,
// discarding think text and stream events.
func (c *GatewayClient) Complete(ctx context.Context, sessionID string, prompt string) (string, error) {
	res, err := c.StreamChat(ctx, sessionID, []Message{{Role: RoleUser, Content: prompt}}, nil)
	if err != nil {
		return "", err
	}
	return res.Answer, nil
}

func (c *GatewayClient) openStream(ctx context.Context, sessionID string, messages []Message) (*http.Response, error) {
	token, err := c.exchanger.AccessToken(ctx, c.serviceID)
	if err != nil {
		return nil, err
	}

	userInput := lastUserContent(messages)
	if strings.TrimSpace(userInput) == "" {
		return nil, fmt.Errorf("%w: no user message to send", apperrors.ErrUpstream)
	}

	gwSession := sessionID
	if len(gwSession) > maxGatewaySessionID {
		gwSession = gwSession[:maxGatewaySessionID]
	}

	body, err := json.Marshal(gatewayChatRequest{
		UserInput: userInput,
		SessionID: gwSession,
		ServiceID: c.serviceID,
		RequestID: uuid.NewString(),
		UserCode:  c.userCode,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("OpenApiDoorKey", token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: call gateway: %v", apperrors.ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: gateway returned %d: %s", apperrors.ErrUpstream, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// lastUserContent returns the content of the most recent user message. The
// gateway keeps its own per-session history, so earlier turns are not resent.
func lastUserContent(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
