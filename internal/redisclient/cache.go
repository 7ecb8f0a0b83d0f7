package redisclient

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// GetBoolFlag reads a "1"/"0" cache entry (grl:opt:*, spf:opt:*, sda:*).
// found is false on a cache miss, distinguishing "disabled" from "unknown".
func (c *Client) GetBoolFlag(ctx context.Context, key string) (value bool, found bool, err error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	v, err := c.rdb.Get(cctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v == "1", true, nil
}

// SetBoolFlag writes a "1"/"0" cache entry with the given TTL.
func (c *Client) SetBoolFlag(ctx context.Context, key string, value bool, ttl time.Duration) error {
	cctx, cancel := c.context(ctx)
	defer cancel()

	v := "0"
	if value {
		v = "1"
	}
	return c.rdb.Set(cctx, key, v, ttl).Err()
}

// DeleteKeys removes one or more keys outright. The admin API invalidates
// cached decisions by deleting the specific keys it has made stale.
func (c *Client) DeleteKeys(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cctx, cancel := c.context(ctx)
	defer cancel()
	return c.rdb.Del(cctx, keys...).Err()
}

// SetTupleIfAbsent implements the greylisting first-sighting marker via
// SET key value NX EX ttl, so two concurrent first-sightings of the same
// tuple produce a single defer. created is true only for the caller that
// actually wrote the key.
func (c *Client) SetTupleIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (created bool, err error) {
	cctx, cancel := c.context(ctx)
	defer cancel()
	return c.rdb.SetNX(cctx, key, value, ttl).Result()
}

// TupleExists reports whether a greylist tuple marker has been seen.
func (c *Client) TupleExists(ctx context.Context, key string) (bool, error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	n, err := c.rdb.Exists(cctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordDelivery appends member (typically the instance id) to the
// client's delivery tally and trims anything older than the sliding
// window.
func (c *Client) RecordDelivery(ctx context.Context, clientIP, member string, now time.Time) (tally int64, err error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	key := GRLClientKey(clientIP)
	windowStart := now.Add(-SlidingWindow * time.Second).Unix()

	pipe := c.rdb.TxPipeline()
	pipe.ZRemRangeByScore(cctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	pipe.ZAdd(cctx, key, redis.Z{Score: float64(now.Unix()), Member: member})
	pipe.Expire(cctx, key, SlidingWindow*time.Second)
	card := pipe.ZCard(cctx, key)
	if _, err := pipe.Exec(cctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// DeliveryTally reports the client's current sliding-window delivery
// count without recording a new delivery, used for the whitelist
// threshold check.
func (c *Client) DeliveryTally(ctx context.Context, clientIP string, now time.Time) (int64, error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	key := GRLClientKey(clientIP)
	windowStart := now.Add(-SlidingWindow * time.Second).Unix()
	if err := c.rdb.ZRemRangeByScore(cctx, key, "-inf", strconv.FormatInt(windowStart, 10)).Err(); err != nil {
		return 0, err
	}
	return c.rdb.ZCard(cctx, key).Result()
}

// GetHandlerAction reads the handler's cached aggregate action for a
// Postfix instance id.
func (c *Client) GetHandlerAction(ctx context.Context, instance string) (action string, found bool, err error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	v, err := c.rdb.Get(cctx, HandlerKey(instance)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetHandlerAction caches the final action for an instance id with the
// handler's own TTL, independent of any per-policy cache TTL.
func (c *Client) SetHandlerAction(ctx context.Context, instance, action string) error {
	cctx, cancel := c.context(ctx)
	defer cancel()
	return c.rdb.Set(cctx, HandlerKey(instance), action, HandlerTTLSeconds*time.Second).Err()
}

// GetLimit reads the cached numeric quota limit for a user. found is
// false on a cache miss.
func (c *Client) GetLimit(ctx context.Context, user string) (limit int, found bool, err error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	v, err := c.rdb.Get(cctx, OQPLimitKey(user)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

// SetLimit caches a user's numeric quota limit for 24h.
func (c *Client) SetLimit(ctx context.Context, user string, limit int) error {
	cctx, cancel := c.context(ctx)
	defer cancel()
	return c.rdb.Set(cctx, OQPLimitKey(user), limit, SDATTLSeconds*time.Second).Err()
}
