package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/harun/clawgate/pkg/session"
	"github.com/rs/zerolog"
)

// maxSteerTurns bounds the follow-up turns one prompt takes for steered
// messages. After that many turns steering is closed and whatever was
// already queued gets one final turn.
const maxSteerTurns = 8

const compactInstruction = "Summarize the conversation above for a future assistant turn. " +
	"Keep decisions, open questions, names and facts needed to continue. Reply with the summary only."

// completionRequest is one stateless model call.
type completionRequest struct {
	Model     string
	System    string
	Messages  []session.Message
	Thinking  ThinkLevel
	MaxTokens int
}

type completionFunc func(ctx context.Context, req completionRequest) (*AssistantMessage, error)

// sdkSession implements Session over a stateless completion call. The
// transcript lives in the session cache and is extended only after a
// prompt succeeds, so a failed attempt leaves nothing behind to retry over.
type sdkSession struct {
	key       string
	provider  string
	model     string
	system    string
	thinking  ThinkLevel
	maxTokens int
	keep      int
	cache     *session.Cache
	complete  completionFunc
	logger    zerolog.Logger

	mu       sync.Mutex
	history  []session.Message
	steered  []string
	cancel   context.CancelFunc
	disposed bool

	// steerClosed rejects new steers once the last turn has drained.
	steerClosed bool
	streaming   atomic.Bool
}

func openSDKSession(ctx context.Context, cache *session.Cache, p OpenParams, opts EngineOptions, complete completionFunc) (*sdkSession, error) {
	history, err := cache.Load(ctx, p.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	logger := opts.logger()
	return &sdkSession{
		key:       p.SessionKey,
		provider:  p.Provider,
		model:     p.Model,
		system:    p.SystemPrompt,
		thinking:  p.Thinking,
		maxTokens: opts.MaxTokens,
		keep:      opts.CompactKeep,
		cache:     cache,
		complete:  complete,
		logger:    logger.With().Str("session_key", p.SessionKey).Str("provider", p.Provider).Logger(),
		history:   history,
	}, nil
}

func (s *sdkSession) Prompt(ctx context.Context, text string, onEvent func(Event)) (*AssistantMessage, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	if s.cancel != nil {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.steerClosed = false
	history := append([]session.Message(nil), s.history...)
	s.streaming.Store(true)
	s.mu.Unlock()

	defer func() {
		s.streaming.Store(false)
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.steered = nil
		s.steerClosed = false
		s.mu.Unlock()
	}()

	emit := func(e Event) {
		if onEvent != nil {
			e.SessionKey = s.key
			onEvent(e)
		}
	}
	emit(Event{Type: EventStart})

	pending := []session.Message{{Role: session.RoleUser, Content: text}}
	var (
		last  *AssistantMessage
		total Usage
	)
	for turn := 0; ; turn++ {
		msg, err := s.complete(ctx, completionRequest{
			Model:     s.model,
			System:    s.system,
			Messages:  append(append([]session.Message(nil), history...), pending...),
			Thinking:  s.thinking,
			MaxTokens: s.maxTokens,
		})
		if err != nil {
			return nil, err
		}
		if msg.StopReason == StopReasonError || msg.ErrorMessage != "" {
			return msg, nil
		}

		total.InputTokens += msg.Usage.InputTokens
		total.OutputTokens += msg.Usage.OutputTokens
		pending = append(pending, session.Message{
			Role:     session.RoleAssistant,
			Content:  msg.Text,
			Provider: s.provider,
			Model:    s.model,
			Metadata: map[string]interface{}{
				"stopReason": msg.StopReason,
				"usage":      msg.Usage,
			},
		})
		emit(Event{Type: EventText, Text: msg.Text})
		last = msg

		// Every user turn appended here is answered by the next iteration.
		steered := s.drainSteered(turn >= maxSteerTurns-1)
		if len(steered) == 0 {
			break
		}
		for _, t := range steered {
			pending = append(pending, session.Message{Role: session.RoleUser, Content: t})
			emit(Event{Type: EventSteer, Text: t})
		}
	}

	if err := s.cache.Append(ctx, s.key, pending...); err != nil {
		return nil, fmt.Errorf("persist transcript: %w", err)
	}
	s.mu.Lock()
	s.history = append(s.history, pending...)
	s.mu.Unlock()

	result := *last
	result.Usage = total
	emit(Event{Type: EventEnd, Text: result.Text})
	return &result, nil
}

// drainSteered takes the queued steers. With closeAfter set, later Steer
// calls fail so the prompt can finish.
func (s *sdkSession) drainSteered(closeAfter bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.steered
	s.steered = nil
	if closeAfter {
		s.steerClosed = true
	}
	return out
}

func (s *sdkSession) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *sdkSession) Steer(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming.Load() || s.steerClosed {
		return ErrNotStreaming
	}
	s.steered = append(s.steered, text)
	return nil
}

func (s *sdkSession) ReplaceMessages(messages []session.Message) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.mu.Unlock()

	if err := s.cache.Replace(context.Background(), s.key, messages); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = append([]session.Message(nil), messages...)
	s.mu.Unlock()
	return nil
}

// Compact summarizes all but the most recent messages into one summary
// message and rewrites the transcript.
func (s *sdkSession) Compact(ctx context.Context) (*CompactResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrSessionDisposed
	}
	history := append([]session.Message(nil), s.history...)
	s.mu.Unlock()

	result := &CompactResult{
		MessagesBefore: len(history),
		MessagesAfter:  len(history),
		TokensBefore:   EstimateTokens(history),
		TokensAfter:    EstimateTokens(history),
	}
	if len(history) <= s.keep {
		return result, nil
	}

	split := len(history) - s.keep
	older, recent := history[:split], history[split:]
	request := append(append([]session.Message(nil), older...),
		session.Message{Role: session.RoleUser, Content: compactInstruction})

	msg, err := s.complete(ctx, completionRequest{
		Model:     s.model,
		System:    s.system,
		Messages:  request,
		Thinking:  ThinkOff,
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize transcript: %w", err)
	}
	if msg.StopReason == StopReasonError || msg.ErrorMessage != "" {
		return nil, fmt.Errorf("summarize transcript: %s", failureText(msg, nil))
	}

	compacted := make([]session.Message, 0, len(recent)+1)
	compacted = append(compacted, session.Message{
		Role:     session.RoleSummary,
		Content:  msg.Text,
		Provider: s.provider,
		Model:    s.model,
		Metadata: map[string]interface{}{"compactedMessages": len(older)},
	})
	compacted = append(compacted, recent...)

	if err := s.cache.Replace(ctx, s.key, compacted); err != nil {
		return nil, fmt.Errorf("rewrite transcript: %w", err)
	}
	s.mu.Lock()
	s.history = compacted
	s.mu.Unlock()

	s.logger.Info().
		Int("messages_before", len(history)).
		Int("messages_after", len(compacted)).
		Msg("Compacted session transcript")

	result.Compacted = true
	result.Summary = msg.Text
	result.MessagesAfter = len(compacted)
	result.TokensAfter = EstimateTokens(compacted)
	return result, nil
}

func (s *sdkSession) IsStreaming() bool { return s.streaming.Load() }

func (s *sdkSession) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// summaryPrefix is how a compaction summary is presented to a model, which
// only knows user and assistant turns.
const summaryPrefix = "Summary of the earlier conversation:\n\n"

func renderContent(msg session.Message) string {
	if msg.Role == session.RoleSummary {
		return summaryPrefix + msg.Content
	}
	return msg.Content
}
