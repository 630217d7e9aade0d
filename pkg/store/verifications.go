package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crisisops/fixengine/pkg/models"
)

// VerificationStore is a keyed collection of verification records:
// fix_verifications keyed by fix_id, defense_verifications keyed by
// threat_id. The owning verifier is the only writer. The persisted
// wake_at lets a restart resume pending verifications instead of
// losing them.
type VerificationStore struct {
	db     *sql.DB
	table  string
	keyCol string
}

// NewFixVerifications returns the store behind the fix verifier.
func NewFixVerifications(c *Client) *VerificationStore {
	return &VerificationStore{db: c.DB(), table: "fix_verifications", keyCol: "fix_id"}
}

// NewDefenseVerifications returns the store behind the defense verifier.
func NewDefenseVerifications(c *Client) *VerificationStore {
	return &VerificationStore{db: c.DB(), table: "defense_verifications", keyCol: "threat_id"}
}

// Start upserts an in_progress record with its wake time. Re-running
// Start for an existing key (duplicate deploy_succeeded) resets the
// wake time and appends to the timeline rather than duplicating rows.
func (s *VerificationStore) Start(ctx context.Context, key, correlationID string, wakeAt time.Time) error {
	now := time.Now().UTC()
	entry, err := json.Marshal(models.TimelineEntry{
		Timestamp: now,
		Status:    string(models.VerificationInProgress),
		Message:   "verification_started",
		Data:      map[string]any{"wake_at": wakeAt.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (%[2]s, correlation_id, status, wake_at, started_at, timeline)
		VALUES ($1, $2, 'in_progress', $3, $4, jsonb_build_array($5::jsonb))
		ON CONFLICT (%[2]s) DO UPDATE
		SET status = 'in_progress', wake_at = $3, completed_at = NULL,
		    timeline = %[1]s.timeline || $5::jsonb`, s.table, s.keyCol)

	_, err = s.db.ExecContext(ctx, query, key, nullable(correlationID), wakeAt.UTC(), now, entry)
	if err != nil {
		return fmt.Errorf("start verification %s: %w (%w)", key, err, ErrUnavailable)
	}
	return nil
}

// Complete transitions a record to its terminal status with the
// per-action results and aggregated metrics.
func (s *VerificationStore) Complete(ctx context.Context, key string, status models.VerificationStatus, results []models.ActionVerification, metrics map[string]float64) error {
	now := time.Now().UTC()
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal verification results: %w", err)
	}
	if metrics == nil {
		metrics = map[string]float64{}
	}
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	entry, err := json.Marshal(models.TimelineEntry{
		Timestamp: now,
		Status:    string(status),
		Message:   "verification " + string(status),
	})
	if err != nil {
		return fmt.Errorf("marshal timeline entry: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = $2, completed_at = $3, results = $4::jsonb,
		    metrics = $5::jsonb, timeline = timeline || $6::jsonb
		WHERE %[2]s = $1`, s.table, s.keyCol)

	res, err := s.db.ExecContext(ctx, query, key, string(status), now, resultsJSON, metricsJSON, entry)
	if err != nil {
		return fmt.Errorf("complete verification %s: %w (%w)", key, err, ErrUnavailable)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete verification %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("complete verification %s: no record to update", key)
	}
	return nil
}

// PendingInProgress returns every in_progress record, oldest wake first.
// The verifier calls this on startup to resume verifications that were
// in flight when the previous process stopped.
func (s *VerificationStore) PendingInProgress(ctx context.Context) ([]models.VerificationRecord, error) {
	query := fmt.Sprintf(`
		SELECT %[2]s, correlation_id, status, wake_at, started_at, completed_at, results, metrics, timeline
		FROM %[1]s WHERE status = 'in_progress' ORDER BY wake_at ASC NULLS FIRST`, s.table, s.keyCol)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("pending verifications: %w (%w)", err, ErrUnavailable)
	}
	defer func() { _ = rows.Close() }()

	var out []models.VerificationRecord
	for rows.Next() {
		rec, err := scanVerification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending verifications rows: %w (%w)", err, ErrUnavailable)
	}
	return out, nil
}

// Exists reports whether any record exists for the key, regardless of
// status. The startup backfill uses this to find deploy_succeeded
// events that never got a verification record.
func (s *VerificationStore) Exists(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1`, s.table, s.keyCol)
	var one int
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("verification exists %s: %w (%w)", key, err, ErrUnavailable)
	}
	return true, nil
}

// Get fetches a verification record, or nil if none exists.
func (s *VerificationStore) Get(ctx context.Context, key string) (*models.VerificationRecord, error) {
	query := fmt.Sprintf(`
		SELECT %[2]s, correlation_id, status, wake_at, started_at, completed_at, results, metrics, timeline
		FROM %[1]s WHERE %[2]s = $1`, s.table, s.keyCol)

	row := s.db.QueryRowContext(ctx, query, key)
	rec, err := scanVerification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerification(row rowScanner) (*models.VerificationRecord, error) {
	var (
		rec           models.VerificationRecord
		correlationID sql.NullString
		wakeAt        sql.NullTime
		completedAt   sql.NullTime
		resultsJSON   []byte
		metricsJSON   []byte
		timelineJSON  []byte
	)
	err := row.Scan(&rec.Key, &correlationID, &rec.Status, &wakeAt, &rec.StartedAt,
		&completedAt, &resultsJSON, &metricsJSON, &timelineJSON)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan verification row: %w (%w)", err, ErrUnavailable)
	}

	rec.CorrelationID = correlationID.String
	rec.StartedAt = rec.StartedAt.UTC()
	if wakeAt.Valid {
		rec.WakeAt = wakeAt.Time.UTC()
	}
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time.UTC()
	}
	if err := json.Unmarshal(resultsJSON, &rec.Results); err != nil {
		return nil, fmt.Errorf("decode results for %s: %w", rec.Key, err)
	}
	if err := json.Unmarshal(metricsJSON, &rec.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", rec.Key, err)
	}
	if err := json.Unmarshal(timelineJSON, &rec.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline for %s: %w", rec.Key, err)
	}
	return &rec, nil
}
