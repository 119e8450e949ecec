package database

import (
	"context"
	"time"
)

// HealthStatus reports database connectivity and connection pool statistics.
type HealthStatus struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	AcquiredConns  int32  `json:"acquired_conns"`
	IdleConns      int32  `json:"idle_conns"`
	TotalConns     int32  `json:"total_conns"`
	MaxConns       int32  `json:"max_conns"`
}

// Health pings the database and snapshots pool statistics.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		return &HealthStatus{
			Status:         "unhealthy",
			ResponseTimeMs: time.Since(start).Milliseconds(),
		}, err
	}
	stat := c.pool.Stat()
	return &HealthStatus{
		Status:         "healthy",
		ResponseTimeMs: time.Since(start).Milliseconds(),
		AcquiredConns:  stat.AcquiredConns(),
		IdleConns:      stat.IdleConns(),
		TotalConns:     stat.TotalConns(),
		MaxConns:       stat.MaxConns(),
	}, nil
}
