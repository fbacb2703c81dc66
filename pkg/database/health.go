package database

import (
	"context"
	"database/sql"
	"time"
)

// PoolHealth is the database portion of the health endpoint: ping
// latency plus connection-pool utilisation.
type PoolHealth struct {
	PingMS       int64 `json:"ping_ms"`
	Open         int   `json:"open"`
	InUse        int   `json:"in_use"`
	Idle         int   `json:"idle"`
	WaitCount    int64 `json:"wait_count"`
	WaitMS       int64 `json:"wait_ms"`
	MaxOpenConns int   `json:"max_open_conns"`
}

// Health pings the database and snapshots the pool. A non-nil error
// means the database is unreachable; the snapshot is still returned so
// the endpoint can report how saturated the pool was.
func Health(ctx context.Context, db *sql.DB) (*PoolHealth, error) {
	start := time.Now()
	err := db.PingContext(ctx)

	stats := db.Stats()
	return &PoolHealth{
		PingMS:       time.Since(start).Milliseconds(),
		Open:         stats.OpenConnections,
		InUse:        stats.InUse,
		Idle:         stats.Idle,
		WaitCount:    stats.WaitCount,
		WaitMS:       stats.WaitDuration.Milliseconds(),
		MaxOpenConns: stats.MaxOpenConnections,
	}, err
}
