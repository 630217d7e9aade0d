// Package proposer watches the domain trigger topics and synthesizes
// fixes for critical events: a generator chain (external LLM first,
// deterministic rules as the guaranteed fallback) produces the fix, the
// proposer mints the fix_id and publishes fix.proposed.
package proposer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crisisops/fixengine/pkg/config"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/models"
)

// Generator produces a fix draft for a critical event. The draft has
// title, summary, actions, risk level and expected impact filled in;
// the proposer owns identity and lifecycle fields.
type Generator interface {
	Name() string
	Generate(ctx context.Context, topic string, env *event.Envelope) (*models.Fix, error)
}

// Chain tries generators in order; the first valid draft wins. Any
// failure (provider error, invalid JSON, schema violation) logs and
// falls through to the next generator.
type Chain struct {
	generators []Generator
	logger     *slog.Logger
}

// NewChain builds the generator chain from the configured provider
// order. The rules generator is appended if the order omits it, so the
// chain can always produce a draft.
func NewChain(cfg config.LLMConfig, logger *slog.Logger) (*Chain, error) {
	var gens []Generator
	hasRules := false
	for _, p := range cfg.ProviderOrder {
		switch p {
		case config.ProviderAnthropic:
			key := cfg.APIKeys[config.ProviderAnthropic]
			if key == "" {
				logger.Warn("Anthropic provider configured without API key, skipping")
				continue
			}
			gens = append(gens, newAnthropicGenerator(key, cfg.Model, cfg.RequestTimeout))
		case config.ProviderRules:
			gens = append(gens, &rulesGenerator{})
			hasRules = true
		default:
			return nil, fmt.Errorf("unknown llm provider %q", p)
		}
	}
	if !hasRules {
		gens = append(gens, &rulesGenerator{})
	}
	return &Chain{generators: gens, logger: logger}, nil
}

// Generate runs the chain. It returns the winning draft and the name of
// the generator that produced it.
func (c *Chain) Generate(ctx context.Context, topic string, env *event.Envelope) (*models.Fix, string, error) {
	var lastErr error
	for _, g := range c.generators {
		fix, err := g.Generate(ctx, topic, env)
		if err != nil {
			c.logger.Warn("Fix generator failed, falling back",
				"generator", g.Name(), "topic", topic, "event_id", env.EventID, "error", err)
			lastErr = err
			continue
		}
		if err := fix.Validate(); err != nil {
			c.logger.Warn("Fix generator produced invalid draft, falling back",
				"generator", g.Name(), "topic", topic, "error", err)
			lastErr = err
			continue
		}
		return fix, g.Name(), nil
	}
	return nil, "", fmt.Errorf("all fix generators failed: %w", lastErr)
}
