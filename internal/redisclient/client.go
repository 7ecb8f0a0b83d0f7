// Package redisclient wraps go-redis with the connection handling, key
// formatting, and atomic operations every CHAPPS policy shares. Each
// policy owns its own key prefix (see the key builders in keys.go); this package only
// supplies the primitives, never policy decision logic.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chapps-project/chappsd/internal/config"
)

// Client is the process-wide Redis handle. One is constructed at startup
// and passed explicitly into every policy; there is no package global.
type Client struct {
	rdb       redis.UniversalClient
	opTimeout time.Duration
}

// New connects to Redis directly, or through Sentinel when
// cfg.SentinelServers is non-empty, and verifies the connection with a
// bounded Ping before returning.
func New(cfg config.RedisSection) (*Client, error) {
	rdb := newUniversalClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout(cfg))
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Client{rdb: rdb, opTimeout: opTimeout(cfg)}, nil
}

func newUniversalClient(cfg config.RedisSection) redis.UniversalClient {
	if len(cfg.SentinelServers) > 0 {
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelDataset,
			SentinelAddrs: cfg.SentinelServers,
			DB:            cfg.DB,
			Password:      cfg.Password,
			DialTimeout:   dialTimeout(cfg),
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server, cfg.Port),
		DB:          cfg.DB,
		Password:    cfg.Password,
		DialTimeout: dialTimeout(cfg),
	})
}

func dialTimeout(cfg config.RedisSection) time.Duration {
	if cfg.DialTimeout > 0 {
		return cfg.DialTimeout
	}
	return 2 * time.Second
}

func opTimeout(cfg config.RedisSection) time.Duration {
	if cfg.OpTimeout > 0 {
		return cfg.OpTimeout
	}
	return 2 * time.Second
}

// NewForTesting wraps an already-connected client (e.g. one pointed at a
// miniredis instance) without going through Sentinel/Ping setup.
func NewForTesting(rdb redis.UniversalClient, opTimeout time.Duration) *Client {
	return &Client{rdb: rdb, opTimeout: opTimeout}
}

// context applies the shared per-operation timeout to ctx, unless ctx
// already carries an earlier deadline (e.g. the per-request budget).
func (c *Client) context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opTimeout)
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks liveness using the shared operation timeout.
func (c *Client) Ping(ctx context.Context) error {
	cctx, cancel := c.context(ctx)
	defer cancel()
	return c.rdb.Ping(cctx).Err()
}
