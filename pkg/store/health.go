package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// HealthStatus is the store's contribution to the health endpoint: ping
// latency and pool pressure. Saturated means every pool connection is in
// use and callers have queued for one, a degraded state that precedes
// query timeouts.
type HealthStatus struct {
	LatencyMS int64 `json:"latency_ms"`
	Open      int   `json:"open"`
	InUse     int   `json:"in_use"`
	Idle      int   `json:"idle"`
	Saturated bool  `json:"saturated"`
}

// Health pings the database and snapshots the connection pool.
func Health(ctx context.Context, db *sql.DB) (HealthStatus, error) {
	start := time.Now()
	if err := db.PingContext(ctx); err != nil {
		return HealthStatus{LatencyMS: time.Since(start).Milliseconds()},
			fmt.Errorf("database ping: %w", err)
	}

	stats := db.Stats()
	return HealthStatus{
		LatencyMS: time.Since(start).Milliseconds(),
		Open:      stats.OpenConnections,
		InUse:     stats.InUse,
		Idle:      stats.Idle,
		Saturated: stats.MaxOpenConnections > 0 &&
			stats.InUse >= stats.MaxOpenConnections &&
			stats.WaitCount > 0,
	}, nil
}
