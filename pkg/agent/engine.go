package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// OpenParams selects the model and credentials for an engine session.
type OpenParams struct {
	SessionKey   string
	Provider     string
	Model        string
	APIKey       string
	AuthType     authprofile.CredentialType
	Thinking     ThinkLevel
	SystemPrompt string
}

// EventType identifies an Event emitted during Prompt.
type EventType string

const (
	EventStart EventType = "start"
	EventText  EventType = "text"
	EventSteer EventType = "steer"
	EventEnd   EventType = "end"
)

// Event is a progress notification from a prompt in flight.
type Event struct {
	Type       EventType
	SessionKey string
	Text       string
}

// Usage counts tokens for one prompt.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// AssistantMessage is the final reply of a prompt. StopReason is
// StopReasonError when the provider reported a failure in-band.
type AssistantMessage struct {
	StopReason   string
	ErrorMessage string
	Usage        Usage
	Text         string
}

// CompactResult describes a transcript compaction.
type CompactResult struct {
	Compacted      bool   `json:"compacted"`
	Summary        string `json:"summary,omitempty"`
	MessagesBefore int    `json:"messagesBefore"`
	MessagesAfter  int    `json:"messagesAfter"`
	TokensBefore   int    `json:"tokensBefore"`
	TokensAfter    int    `json:"tokensAfter"`
}

// Engine opens transcript-backed sessions against a model.
type Engine interface {
	Open(ctx context.Context, params OpenParams) (Session, error)
}

// Session is one open conversation with a model.
type Session interface {
	Prompt(ctx context.Context, text string, onEvent func(Event)) (*AssistantMessage, error)
	Abort()
	Steer(text string) error
	ReplaceMessages(messages []session.Message) error
	Compact(ctx context.Context) (*CompactResult, error)
	IsStreaming() bool
	Dispose() error
}

// ProviderEngines routes Open to the engine registered for the provider.
type ProviderEngines map[string]Engine

// Open implements Engine.
func (p ProviderEngines) Open(ctx context.Context, params OpenParams) (Session, error) {
	engine, ok := p[authprofile.NormalizeProvider(params.Provider)]
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", params.Provider)
	}
	return engine.Open(ctx, params)
}

// EngineOptions configures the SDK-backed engines.
type EngineOptions struct {
	// MaxTokens caps each reply. Defaults to 4096.
	MaxTokens int
	// CompactKeep is how many recent messages survive compaction. Defaults to 6.
	CompactKeep      int
	AnthropicBaseURL string
	OpenAIBaseURL    string
	HTTPClient       *http.Client
	Logger           *zerolog.Logger
}

func (o EngineOptions) withDefaults() EngineOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.CompactKeep <= 0 {
		o.CompactKeep = 6
	}
	return o
}

func (o EngineOptions) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.Logger
}

// NewDefaultEngines wires the Anthropic and OpenAI engines over a shared
// transcript cache.
func NewDefaultEngines(cache *session.Cache, opts EngineOptions) ProviderEngines {
	openaiEngine := NewOpenAIEngine(cache, opts)
	return ProviderEngines{
		"anthropic":    NewAnthropicEngine(cache, opts),
		"openai":       openaiEngine,
		"openai-codex": openaiEngine,
	}
}

// EstimateTokens approximates the token count of messages at four
// characters per token.
func EstimateTokens(messages []session.Message) int {
	total := 0
	for _, msg := range messages {
		total += len(msg.Content) / 4
	}
	return total
}
