// Package redis opens the shared go-redis client used for presence counters, the roster,
// pub/sub fan-out and the job queue.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	dialTimeout = 5 * time.Second
	// readTimeout stays above the longest blocking dequeue so BLPOP is not cut short.
	readTimeout  = 10 * time.Second
	writeTimeout = 3 * time.Second
	minIdleConns = 4
)

// Client wraps go-redis client with optional logger.
type Client struct {
	*redis.Client
	logger *zap.Logger
}

// NewClient creates a Redis client and verifies connectivity.
func NewClient(ctx context.Context, addr, password string, db int, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		MinIdleConns: minIdleConns,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logger.Info("Redis client connected", zap.String("addr", addr), zap.Int("db", db))
	return &Client{Client: rdb, logger: logger}, nil
}

// Close closes the underlying client.
func (c *Client) Close() error {
	err := c.Client.Close()
	if err != nil {
		c.logger.Warn("Redis client close", zap.Error(err))
		return err
	}
	c.logger.Info("Redis client closed")
	return nil
}
