package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/session"
)

// anthropicOAuthBeta enables bearer-token auth for subscription credentials.
const anthropicOAuthBeta = "oauth-2025-04-20"

// AnthropicEngine opens sessions against the Anthropic Messages API.
type AnthropicEngine struct {
	cache *session.Cache
	opts  EngineOptions
}

// NewAnthropicEngine creates an engine persisting transcripts through cache.
func NewAnthropicEngine(cache *session.Cache, opts EngineOptions) *AnthropicEngine {
	return &AnthropicEngine{cache: cache, opts: opts.withDefaults()}
}

// Open implements Engine.
func (e *AnthropicEngine) Open(ctx context.Context, p OpenParams) (Session, error) {
	client := anthropic.NewClient(e.clientOptions(p)...)
	return openSDKSession(ctx, e.cache, p, e.opts, func(ctx context.Context, req completionRequest) (*AssistantMessage, error) {
		return anthropicComplete(ctx, client, req)
	})
}

func (e *AnthropicEngine) clientOptions(p OpenParams) []option.RequestOption {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	switch p.AuthType {
	case authprofile.CredentialOAuth, authprofile.CredentialToken:
		opts = append(opts,
			option.WithAuthToken(p.APIKey),
			option.WithHeader("anthropic-beta", anthropicOAuthBeta))
	default:
		opts = append(opts, option.WithAPIKey(p.APIKey))
	}
	if e.opts.AnthropicBaseURL != "" {
		opts = append(opts, option.WithBaseURL(e.opts.AnthropicBaseURL))
	}
	if e.opts.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(e.opts.HTTPClient))
	}
	return opts
}

func anthropicComplete(ctx context.Context, client anthropic.Client, req completionRequest) (*AssistantMessage, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  toAnthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if budget := req.Thinking.anthropicBudget(); budget > 0 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + int64(req.MaxTokens)
		}
	}

	response, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, normalizeAnthropicError(err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}
	return &AssistantMessage{
		StopReason: string(response.StopReason),
		Text:       text.String(),
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

func toAnthropicMessages(messages []session.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		content := renderContent(msg)
		if content == "" {
			continue
		}
		if msg.Role == session.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(content)))
	}
	return out
}

func normalizeAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return err
}
