// Package agent runs prompts against LLM providers with credential
// failover.
//
// A run is queued on its session lane nested inside the global lane, then
// driven by an explicit state machine: select a profile, attempt, classify
// the outcome, and either succeed, retry with a lower thinking level,
// rotate to the next profile or fallback model, or fail. Auth, rate-limit
// and timeout failures put the profile in cooldown before rotating.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{
//		Auth:         manager,
//		Queue:        queue,
//		Engine:       agent.NewDefaultEngines(cache, agent.EngineOptions{}),
//		DefaultModel: agent.ModelRef{Provider: "anthropic", Model: "claude-sonnet-4-5"},
//	})
//	result, err := runner.RunEmbeddedAgent(ctx, agent.RunParams{
//		SessionKey: "main",
//		Prompt:     "hello",
//	})
package agent
