package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/crisisops/fixengine/pkg/event"
)

// EventLog is the append-only log of bus messages. The recorder is its
// single writer; verifiers and the approval gate read from it.
type EventLog struct {
	db *sql.DB
}

// NewEventLog creates an EventLog over the shared connection pool.
func NewEventLog(c *Client) *EventLog {
	return &EventLog{db: c.DB()}
}

// StoredEvent is one logged bus message. ReceivedAt is always
// timezone-aware; the store normalizes to UTC on read.
type StoredEvent struct {
	ID         int64
	Topic      string
	Envelope   event.Envelope
	ReceivedAt time.Time
}

// Append logs one message. Events are immutable once appended.
func (l *EventLog) Append(ctx context.Context, topic string, env *event.Envelope) (int64, error) {
	payload, err := env.Encode()
	if err != nil {
		return 0, err
	}
	var id int64
	err = l.db.QueryRowContext(ctx,
		`INSERT INTO events (topic, payload, received_at) VALUES ($1, $2, $3) RETURNING id`,
		topic, payload, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append event to %s: %w (%w)", topic, err, ErrUnavailable)
	}
	return id, nil
}

// detailFilters whitelists the payload detail fields a query may filter
// on; these are exactly the fields the schema indexes.
var detailFilters = map[string]string{
	"fix_id":    `payload->'details'->>'fix_id'`,
	"threat_id": `payload->'details'->>'threat_id'`,
	"action_id": `payload->'details'->>'action_id'`,
}

// WindowQuery selects events whose topic is in Topics and whose
// received_at falls in [From, To], optionally narrowed by a correlation
// id or a details-field equality.
type WindowQuery struct {
	Topics        []string
	From          time.Time
	To            time.Time
	CorrelationID string
	DetailField   string // one of fix_id, threat_id, action_id
	DetailEquals  string
	Limit         int
}

// QueryWindow runs the verifier query contract. Results are ordered by
// received_at ascending.
func (l *EventLog) QueryWindow(ctx context.Context, q WindowQuery) ([]StoredEvent, error) {
	if len(q.Topics) == 0 {
		return nil, fmt.Errorf("window query requires at least one topic")
	}

	var (
		conds []string
		args  []any
	)
	ph := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	topicPlaceholders := make([]string, len(q.Topics))
	for i, t := range q.Topics {
		topicPlaceholders[i] = ph(t)
	}
	conds = append(conds, fmt.Sprintf("topic IN (%s)", strings.Join(topicPlaceholders, ", ")))

	if !q.From.IsZero() {
		conds = append(conds, fmt.Sprintf("received_at >= %s", ph(q.From.UTC())))
	}
	if !q.To.IsZero() {
		conds = append(conds, fmt.Sprintf("received_at <= %s", ph(q.To.UTC())))
	}
	if q.CorrelationID != "" {
		conds = append(conds, fmt.Sprintf("payload->>'correlation_id' = %s", ph(q.CorrelationID)))
	}
	if q.DetailField != "" {
		expr, ok := detailFilters[q.DetailField]
		if !ok {
			return nil, fmt.Errorf("unsupported detail filter %q", q.DetailField)
		}
		conds = append(conds, fmt.Sprintf("%s = %s", expr, ph(q.DetailEquals)))
	}

	query := "SELECT id, topic, payload, received_at FROM events WHERE " +
		strings.Join(conds, " AND ") + " ORDER BY received_at ASC, id ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s", ph(q.Limit))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("window query: %w (%w)", err, ErrUnavailable)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredEvent
	for rows.Next() {
		var (
			se      StoredEvent
			payload []byte
		)
		if err := rows.Scan(&se.ID, &se.Topic, &payload, &se.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		env, err := event.Decode(payload)
		if err != nil {
			return nil, fmt.Errorf("decode stored event %d: %w", se.ID, err)
		}
		se.Envelope = *env
		se.ReceivedAt = se.ReceivedAt.UTC()
		out = append(out, se)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("window query rows: %w (%w)", err, ErrUnavailable)
	}
	return out, nil
}

// LastFixEvent returns the most recent fix lifecycle event for a
// fix_id, or nil if none was logged. The approval gate uses this to
// check that a fix exists and is in review_required state.
func (l *EventLog) LastFixEvent(ctx context.Context, fixID string) (*StoredEvent, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, topic, payload, received_at FROM events
		 WHERE topic LIKE 'fix.%' AND payload->'details'->>'fix_id' = $1
		 ORDER BY received_at DESC, id DESC LIMIT 1`,
		fixID,
	)
	var (
		se      StoredEvent
		payload []byte
	)
	if err := row.Scan(&se.ID, &se.Topic, &payload, &se.ReceivedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last fix event for %s: %w (%w)", fixID, err, ErrUnavailable)
	}
	env, err := event.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("decode stored event %d: %w", se.ID, err)
	}
	se.Envelope = *env
	se.ReceivedAt = se.ReceivedAt.UTC()
	return &se, nil
}

// FixTimeline returns every fix lifecycle event for a fix_id in
// received order, for the ops API.
func (l *EventLog) FixTimeline(ctx context.Context, fixID string) ([]StoredEvent, error) {
	return l.QueryWindow(ctx, WindowQuery{
		Topics:       fixLifecycleTopics(),
		DetailField:  "fix_id",
		DetailEquals: fixID,
	})
}

func fixLifecycleTopics() []string {
	return []string{
		event.TopicFixProposed, event.TopicFixReviewRequired, event.TopicFixApproved,
		event.TopicFixRejected, event.TopicFixDeployRequested, event.TopicFixDeployStarted,
		event.TopicFixDeploySucceeded, event.TopicFixDeployFailed, event.TopicFixVerified,
		event.TopicFixRollbackRequested, event.TopicFixRollbackSucceeded,
	}
}

// DeleteOlderThan removes events older than the cutoff. Used by the
// retention cleanup job, never by pipeline components.
func (l *EventLog) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM events WHERE received_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w (%w)", err, ErrUnavailable)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete old events: %w", err)
	}
	return n, nil
}
