package agent

import (
	"context"
	"errors"

	"github.com/harun/clawgate/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIEngine opens sessions against the OpenAI Chat Completions API.
type OpenAIEngine struct {
	cache *session.Cache
	opts  EngineOptions
}

// NewOpenAIEngine creates an engine persisting transcripts through cache.
func NewOpenAIEngine(cache *session.Cache, opts EngineOptions) *OpenAIEngine {
	return &OpenAIEngine{cache: cache, opts: opts.withDefaults()}
}

// Open implements Engine.
func (e *OpenAIEngine) Open(ctx context.Context, p OpenParams) (Session, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(p.APIKey),
		option.WithMaxRetries(0),
	}
	if e.opts.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(e.opts.OpenAIBaseURL))
	}
	if e.opts.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(e.opts.HTTPClient))
	}
	client := openai.NewClient(opts...)

	return openSDKSession(ctx, e.cache, p, e.opts, func(ctx context.Context, req completionRequest) (*AssistantMessage, error) {
		return openAIComplete(ctx, client, req)
	})
}

func openAIComplete(ctx context.Context, client openai.Client, req completionRequest) (*AssistantMessage, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		content := renderContent(msg)
		if content == "" {
			continue
		}
		if msg.Role == session.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(content))
		} else {
			messages = append(messages, openai.UserMessage(content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if effort := req.Thinking.openAIEffort(); effort != "" {
		params.ReasoningEffort = shared.ReasoningEffort(effort)
	}

	response, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, normalizeOpenAIError(err)
	}
	if len(response.Choices) == 0 {
		return &AssistantMessage{StopReason: StopReasonError, ErrorMessage: "provider returned no choices"}, nil
	}

	choice := response.Choices[0]
	return &AssistantMessage{
		StopReason: string(choice.FinishReason),
		Text:       choice.Message.Content,
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}

func normalizeOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &StatusError{StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	return err
}
