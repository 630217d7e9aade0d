package proposer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crisisops/fixengine/pkg/autonomy"
	"github.com/crisisops/fixengine/pkg/bus"
	"github.com/crisisops/fixengine/pkg/event"
	"github.com/crisisops/fixengine/pkg/metrics"
	"github.com/crisisops/fixengine/pkg/models"
)

// processedCacheSize bounds the seen-event cache. Sized for the
// proposer's replay window: at-least-once delivery means duplicates
// arrive close together, so a few thousand entries is ample.
const processedCacheSize = 4096

// source tags envelopes emitted by the proposer.
const source = "fix-proposer"

// LevelSource exposes the current autonomy level; the router implements
// it, tests inject fixed levels.
type LevelSource interface {
	Level() autonomy.Level
}

// Proposer watches every domain trigger topic and synthesizes a fix
// for each critical event it has not seen before. It never consumes
// fix.* topics (loop prevention by construction: it only subscribes
// the trigger set).
type Proposer struct {
	bus     bus.Bus
	chain   *Chain
	level   LevelSource
	metrics *metrics.Metrics
	logger  *slog.Logger
	seen    *lru.Cache[string, struct{}]
}

// New creates a Proposer.
func New(b bus.Bus, chain *Chain, level LevelSource, m *metrics.Metrics, logger *slog.Logger) (*Proposer, error) {
	seen, err := lru.New[string, struct{}](processedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create processed-event cache: %w", err)
	}
	return &Proposer{
		bus:     b,
		chain:   chain,
		level:   level,
		metrics: m,
		logger:  logger.With("component", "proposer"),
		seen:    seen,
	}, nil
}

// Register subscribes the proposer to the domain trigger topics.
func (p *Proposer) Register(b bus.Bus) error {
	for _, topic := range event.DomainTriggerTopics() {
		if err := b.Subscribe(topic, p.handle); err != nil {
			return err
		}
	}
	return nil
}

func (p *Proposer) handle(ctx context.Context, topic string, env *event.Envelope) {
	p.metrics.EventsConsumed.WithLabelValues(topic, "proposer").Inc()

	if env.Severity != event.SeverityCritical {
		return
	}
	// One pending fix per originating event: a duplicate delivery of
	// the same event_id is a no-op.
	if dup, _ := p.seen.ContainsOrAdd(env.EventID, struct{}{}); dup {
		return
	}

	fix, generator, err := p.chain.Generate(ctx, topic, env)
	if err != nil {
		p.metrics.ProposerGenerations.WithLabelValues(generator, "error").Inc()
		p.logger.Error("Failed to generate fix", "topic", topic, "event_id", env.EventID, "error", err)
		return
	}
	p.metrics.ProposerGenerations.WithLabelValues(generator, "ok").Inc()

	fix.FixID = NewFixID(time.Now())
	fix.CorrelationID = env.CorrelationID
	if fix.CorrelationID == "" {
		fix.CorrelationID = env.EventID
	}
	fix.ProposedAt = time.Now().UTC()
	fix.RequiresHumanApproval = requiresApproval(p.level.Level(), fix.RiskLevel)

	details := event.FixDetails{Fix: *fix}
	proposed, err := event.New(source, env.Severity, env.Sector, fix.Title, details)
	if err != nil {
		p.logger.Error("Failed to build fix.proposed", "fix_id", fix.FixID, "error", err)
		return
	}
	if err := p.publish(ctx, event.TopicFixProposed, proposed.WithCorrelation(fix.CorrelationID)); err != nil {
		p.logger.Error("Failed to publish fix.proposed", "fix_id", fix.FixID, "error", err)
		return
	}
	p.metrics.FixTransitions.WithLabelValues("proposed").Inc()

	if fix.RequiresHumanApproval {
		// review_required carries details identical to proposed.
		review, err := event.New(source, env.Severity, env.Sector, fix.Title, details)
		if err != nil {
			p.logger.Error("Failed to build fix.review_required", "fix_id", fix.FixID, "error", err)
			return
		}
		if err := p.publish(ctx, event.TopicFixReviewRequired, review.WithCorrelation(fix.CorrelationID)); err != nil {
			p.logger.Error("Failed to publish fix.review_required", "fix_id", fix.FixID, "error", err)
			return
		}
		p.metrics.FixTransitions.WithLabelValues("review_required").Inc()
	} else {
		// Auto-approved under HIGH autonomy: the fix goes straight to
		// deployment, no review stop.
		request, err := event.New(source, env.Severity, env.Sector, fix.Title, details)
		if err != nil {
			p.logger.Error("Failed to build fix.deploy_requested", "fix_id", fix.FixID, "error", err)
			return
		}
		if err := p.publish(ctx, event.TopicFixDeployRequested, request.WithCorrelation(fix.CorrelationID)); err != nil {
			p.logger.Error("Failed to publish fix.deploy_requested", "fix_id", fix.FixID, "error", err)
			return
		}
		p.metrics.FixTransitions.WithLabelValues("deploy_requested").Inc()
	}

	p.logger.Info("Fix proposed",
		"fix_id", fix.FixID,
		"generator", generator,
		"risk_level", fix.RiskLevel,
		"requires_human_approval", fix.RequiresHumanApproval,
		"trigger_topic", topic)
}

// requiresApproval implements the autonomy policy: HIGH mode lets
// low/med risk fixes flow without review; high risk always needs a
// human.
func requiresApproval(level autonomy.Level, risk models.RiskLevel) bool {
	if level == autonomy.LevelHigh && risk != models.RiskHigh {
		return false
	}
	return true
}

// NewFixID mints a fix identifier of form FIX-YYYYMMDD-<8 hex chars>.
func NewFixID(now time.Time) string {
	id := uuid.New()
	return fmt.Sprintf("FIX-%s-%x", now.UTC().Format("20060102"), id[:4])
}

func (p *Proposer) publish(ctx context.Context, topic string, env *event.Envelope) error {
	if err := p.bus.Publish(ctx, topic, env); err != nil {
		return err
	}
	p.metrics.EventsPublished.WithLabelValues(topic).Inc()
	return nil
}
