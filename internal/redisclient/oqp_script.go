package redisclient

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// acceptAndInsert is the atomic accept-and-insert step of the outbound
// quota policy: trim the sliding
// window, check whether admitting len(members) more attempts would stay
// within capacity, and if so add them all in the same round trip. Running
// this as a single script, rather than a GET-then-SET from the caller,
// is what makes "usage + R <= limit + margin" hold under contention.
var acceptAndInsert = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)
local usage = redis.call('ZCARD', key)
local admitting = #ARGV - 4
if usage + admitting > capacity then
	return 0
end
for i = 5, #ARGV do
	redis.call('ZADD', key, now, ARGV[i])
end
redis.call('EXPIRE', key, ttl)
return 1
`)

// AcceptAndInsert admits len(members) new attempts into the user's
// sliding-window attempts set if doing so would not push usage over
// capacity (= limit + effective margin). It reports whether the attempts
// were admitted.
func (c *Client) AcceptAndInsert(ctx context.Context, user string, members []string, capacity int, now time.Time) (bool, error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	windowStart := now.Add(-SlidingWindow * time.Second).Unix()

	args := make([]interface{}, 0, len(members)+4)
	args = append(args, now.Unix(), windowStart, capacity, SlidingWindow)
	for _, m := range members {
		args = append(args, m)
	}

	res, err := acceptAndInsert.Run(cctx, c.rdb, []string{OQPAttemptsKey(user)}, args...).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CurrentUsage returns the number of attempts currently within the
// sliding window, without mutating the set. Used for diagnostics and by
// callers that need the count independently of an accept decision.
func (c *Client) CurrentUsage(ctx context.Context, user string, now time.Time) (int64, error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	windowStart := now.Add(-SlidingWindow * time.Second).Unix()
	min := strconv.FormatInt(windowStart, 10)
	max := strconv.FormatInt(now.Unix(), 10)
	return c.rdb.ZCount(cctx, OQPAttemptsKey(user), min, max).Result()
}

// LatestAttempt returns the member and timestamp of the most recent
// attempt in the user's window, used by the optional min_delta throttle.
// ok is false if the set is empty.
func (c *Client) LatestAttempt(ctx context.Context, user string) (member string, score time.Time, ok bool, err error) {
	cctx, cancel := c.context(ctx)
	defer cancel()

	results, err := c.rdb.ZRevRangeWithScores(cctx, OQPAttemptsKey(user), 0, 0).Result()
	if err != nil {
		return "", time.Time{}, false, err
	}
	if len(results) == 0 {
		return "", time.Time{}, false, nil
	}
	m, _ := results[0].Member.(string)
	return m, time.Unix(int64(results[0].Score), 0), true, nil
}

// TouchLatestAttempt rewrites the score of an existing attempt member to
// now, implementing the min_delta "rate-reset" behaviour: a throttled
// sender's most recent attempt is pushed forward, so hammering the
// service never ages the throttle out.
func (c *Client) TouchLatestAttempt(ctx context.Context, user, member string, now time.Time) error {
	cctx, cancel := c.context(ctx)
	defer cancel()
	return c.rdb.ZAdd(cctx, OQPAttemptsKey(user), redis.Z{Score: float64(now.Unix()), Member: member}).Err()
}
