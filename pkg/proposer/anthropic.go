package proposer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/models"
)

// maxFormatRetries is the total number of LLM attempts when the
// response is not valid JSON. On each retry the parse error is fed
// back as a correction prompt.
const maxFormatRetries = 3

// anthropicGenerator synthesizes a fix draft via the Anthropic Messages
// API. The model is asked for a single JSON object matching the fix
// draft schema; anything unparseable triggers a bounded retry and then
// falls through to the next generator in the chain.
type anthropicGenerator struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

func newAnthropicGenerator(apiKey, model string, timeout time.Duration) *anthropicGenerator {
	return &anthropicGenerator{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		timeout: timeout,
	}
}

func (g *anthropicGenerator) Name() string { return "anthropic" }

// fixDraft is the JSON contract with the model. It deliberately
// excludes identity and lifecycle fields; the proposer owns those.
type fixDraft struct {
	Title          string                `json:"title"`
	Summary        string                `json:"summary"`
	RiskLevel      string                `json:"risk_level"`
	Actions        []fixDraftAction      `json:"actions"`
	ExpectedImpact models.ExpectedImpact `json:"expected_impact"`
}

type fixDraftAction struct {
	Type         string                   `json:"type"`
	Target       string                   `json:"target"`
	Params       map[string]any           `json:"params"`
	Verification *models.VerificationSpec `json:"verification"`
}

func (g *anthropicGenerator) Generate(ctx context.Context, topic string, env *event.Envelope) (*models.Fix, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := buildPrompt(topic, env)

	var lastErr error
	for attempt := 1; attempt <= maxFormatRetries; attempt++ {
		text, err := g.complete(ctx, prompt)
		if err != nil {
			return nil, fmt.Errorf("anthropic completion: %w", err)
		}

		fix, err := parseDraft(text)
		if err != nil {
			lastErr = err
			// Feed the parse error back so the model can correct the
			// output format.
			prompt += "\n\nYour previous response could not be parsed: " + err.Error() +
				"\nRespond again with ONLY the JSON object, no prose."
			continue
		}
		return fix, nil
	}
	return nil, fmt.Errorf("anthropic returned unparseable fix after %d attempts: %w", maxFormatRetries, lastErr)
}

func (g *anthropicGenerator) complete(ctx context.Context, prompt string) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

func buildPrompt(topic string, env *event.Envelope) string {
	var sb strings.Builder
	sb.WriteString("You are a crisis-management remediation planner. ")
	sb.WriteString("A critical event arrived; propose ONE remediation fix as a JSON object.\n\n")
	sb.WriteString("Event:\n")
	sb.WriteString("  topic: " + topic + "\n")
	sb.WriteString("  sector: " + env.Sector + "\n")
	sb.WriteString("  summary: " + env.Summary + "\n")
	if len(env.Details) > 0 {
		sb.WriteString("  details: " + string(env.Details) + "\n")
	}
	sb.WriteString(`
Respond with ONLY a JSON object of this shape:
{
  "title": "...",
  "summary": "...",
  "risk_level": "low" | "med" | "high",
  "actions": [
    {
      "type": "transit-reroute-sim" | "traffic-advisory-sim" | "airspace-mitigation-sim" | "power-recovery-sim",
      "target": "...",
      "params": {},
      "verification": {"metric": "...", "threshold": 0.0, "window_seconds": 300}
    }
  ],
  "expected_impact": {"delay_reduction_minutes": 0, "risk_score_delta": 0, "affected_area": "..."}
}
All actions run in a sandbox; never propose real-world actuation.`)
	return sb.String()
}

// parseDraft extracts and validates the JSON draft. Models sometimes
// wrap JSON in fences or prose, so parsing starts at the first brace.
func parseDraft(text string) (*models.Fix, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var draft fixDraft
	if err := json.Unmarshal([]byte(text[start:end+1]), &draft); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if draft.Title == "" {
		return nil, fmt.Errorf("draft missing title")
	}
	if len(draft.Actions) == 0 {
		return nil, fmt.Errorf("draft has no actions")
	}

	fix := &models.Fix{
		Source:         models.FixSourceAnthropic,
		Title:          draft.Title,
		Summary:        draft.Summary,
		RiskLevel:      models.RiskLevel(draft.RiskLevel),
		ExpectedImpact: draft.ExpectedImpact,
	}
	for _, a := range draft.Actions {
		fix.Actions = append(fix.Actions, models.Action{
			ID:           uuid.New().String(),
			Type:         models.ActionType(a.Type),
			Target:       a.Target,
			Params:       a.Params,
			Verification: a.Verification,
		})
	}
	return fix, nil
}
