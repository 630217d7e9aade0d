package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus describes store reachability for the ops API.
type HealthStatus struct {
	Reachable bool   `json:"reachable"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health pings the store with a short deadline.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return HealthStatus{Reachable: false, Error: err.Error()},
			fmt.Errorf("store ping failed: %w (%w)", err, ErrUnavailable)
	}
	return HealthStatus{Reachable: true, LatencyMS: time.Since(start).Milliseconds()}, nil
}
