package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crisisops/fixengine/pkg/models"
)

// DeploymentStore is a keyed collection of deployment records. Two
// instances exist: fix_deployments keyed by fix_id and
// defense_deployments keyed by action_id. The owning actuator is the
// only writer.
type DeploymentStore struct {
	db     *sql.DB
	table  string
	keyCol string
}

// NewFixDeployments returns the store behind the fix actuator.
func NewFixDeployments(c *Client) *DeploymentStore {
	return &DeploymentStore{db: c.DB(), table: "fix_deployments", keyCol: "fix_id"}
}

// NewDefenseDeployments returns the store behind the defense actuator.
func NewDefenseDeployments(c *Client) *DeploymentStore {
	return &DeploymentStore{db: c.DB(), table: "defense_deployments", keyCol: "action_id"}
}

// ClaimResult reports the outcome of an idempotency claim.
type ClaimResult struct {
	// Claimed is true when this caller owns the deployment: either no
	// record existed, or the previous attempt had failed (retry path).
	Claimed bool

	// Existing is the record that blocked the claim (status started or
	// succeeded), nil when Claimed.
	Existing *models.DeploymentRecord
}

// Claim atomically performs the check-then-set that guards deployment
// re-entry: it inserts a started record, or takes over a failed one,
// in a single statement. Two concurrent claims for the same key can
// never both succeed; this is the pipeline's most important locking
// contract. A store failure here wraps ErrUnavailable and the caller
// must refuse to deploy (fail closed).
func (s *DeploymentStore) Claim(ctx context.Context, key, correlationID string) (ClaimResult, error) {
	now := time.Now().UTC()
	entry, err := json.Marshal(models.TimelineEntry{
		Timestamp: now,
		Status:    string(models.DeploymentStarted),
		Message:   "deployment claimed",
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("marshal timeline entry: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, correlation_id, status, started_at, timeline)
		VALUES ($1, $2, 'started', $3, jsonb_build_array($4::jsonb))
		ON CONFLICT (%[2]s) DO UPDATE
		SET status = 'started', started_at = $3, error = NULL, completed_at = NULL,
		    timeline = %[1]s.timeline || $4::jsonb
		WHERE %[1]s.status = 'failed'
		RETURNING %[2]s`, s.table, s.keyCol)

	var claimed string
	err = s.db.QueryRowContext(ctx, query, key, nullable(correlationID), now, entry).Scan(&claimed)
	if err == sql.ErrNoRows {
		existing, getErr := s.Get(ctx, key)
		if getErr != nil {
			return ClaimResult{}, getErr
		}
		return ClaimResult{Claimed: false, Existing: existing}, nil
	}
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim deployment %s: %w (%w)", key, err, ErrUnavailable)
	}
	return ClaimResult{Claimed: true}, nil
}

// Complete transitions a claimed deployment to succeeded or failed,
// recording the per-action results and appending a timeline entry.
func (s *DeploymentStore) Complete(ctx context.Context, key string, status models.DeploymentStatus, results []models.ActionResult, errMsg string) error {
	now := time.Now().UTC()
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal action results: %w", err)
	}
	entry, err := json.Marshal(models.TimelineEntry{
		Timestamp: now,
		Status:    string(status),
		Message:   "deployment " + string(status),
	})
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = $2, completed_at = $3, executed_actions = $4::jsonb,
		    error = $5, timeline = timeline || $6::jsonb
		WHERE %[2]s = $1`, s.table, s.keyCol)

	res, err := s.db.ExecContext(ctx, query, key, string(status), now, resultsJSON, nullable(errMsg), entry)
	if err != nil {
		return fmt.Errorf("complete deployment %s: %w (%w)", key, err, ErrUnavailable)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete deployment %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("complete deployment %s: no record to update", key)
	}
	return nil
}

// AppendTimeline pushes one provenance entry onto the record's
// timeline.
func (s *DeploymentStore) AppendTimeline(ctx context.Context, key string, e models.TimelineEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	entry, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}
	query := fmt.Sprintf(`UPDATE %s SET timeline = timeline || $2::jsonb WHERE %s = $1`, s.table, s.keyCol)
	_, err = s.db.ExecContext(ctx, query, key, entry)
	if err != nil {
		return fmt.Errorf("append timeline for %s: %w (%w)", key, err, ErrUnavailable)
	}
	return nil
}

// Get fetches a deployment record, or nil if none exists.
func (s *DeploymentStore) Get(ctx context.Context, key string) (*models.DeploymentRecord, error) {
	query := fmt.Sprintf(`
		SELECT %[2]s, correlation_id, status, started_at, completed_at, executed_actions, error, timeline
		FROM %[1]s WHERE %[2]s = $1`, s.table, s.keyCol)

	var (
		rec           models.DeploymentRecord
		correlationID sql.NullString
		completedAt   sql.NullTime
		errMsg        sql.NullString
		actionsJSON   []byte
		timelineJSON  []byte
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&rec.Key, &correlationID, &rec.Status, &rec.StartedAt,
		&completedAt, &actionsJSON, &errMsg, &timelineJSON,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %s: %w (%w)", key, err, ErrUnavailable)
	}

	rec.CorrelationID = correlationID.String
	rec.Error = errMsg.String
	rec.StartedAt = rec.StartedAt.UTC()
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time.UTC()
	}
	if err := json.Unmarshal(actionsJSON, &rec.ExecutedActions); err != nil {
		return nil, fmt.Errorf("decode executed_actions for %s: %w", key, err)
	}
	if err := json.Unmarshal(timelineJSON, &rec.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline for %s: %w", key, err)
	}
	return &rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
