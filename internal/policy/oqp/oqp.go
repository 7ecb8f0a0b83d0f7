// Package oqp implements the outbound quota policy: rolling per-user
// message quotas enforced via a Redis sliding window.
package oqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/dbadapter"
	"github.com/chapps-project/chappsd/internal/policy"
	"github.com/chapps-project/chappsd/internal/protocol"
	"github.com/chapps-project/chappsd/internal/redisclient"
)

// Clock lets tests control "now"; production callers use RealClock.
type Clock func() time.Time

// RealClock returns the current wall-clock time.
func RealClock() time.Time { return time.Now() }

// Policy is the OutboundQuotaPolicy implementation.
type Policy struct {
	cfg   config.OutboundQuotaPolicySection
	redis *redisclient.Client
	db    dbadapter.Adapter
	log   zerolog.Logger
	clock Clock
}

// New constructs an OutboundQuotaPolicy.
func New(cfg config.OutboundQuotaPolicySection, redis *redisclient.Client, db dbadapter.Adapter, log zerolog.Logger) *Policy {
	return &Policy{cfg: cfg, redis: redis, db: db, log: log, clock: RealClock}
}

var _ policy.Policy = (*Policy)(nil)

// Evaluate decides whether user may send this message within their
// rolling quota.
func (p *Policy) Evaluate(ctx context.Context, req *protocol.Request, user string) (policy.Result, error) {
	now := p.clock()

	u, err := p.db.UserByName(ctx, user)
	if errors.Is(err, dbadapter.ErrNotFound) {
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
	}
	if err != nil {
		return policy.Result{}, fmt.Errorf("oqp: looking up user %q: %w", user, err)
	}

	limit, err := p.quotaLimit(ctx, user, u)
	if errors.Is(err, dbadapter.ErrNotFound) {
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
	}
	if err != nil {
		return policy.Result{}, err
	}

	recipients := p.recipientCount(req)
	capacity := limit + p.cfg.Margin.Effective(limit)

	if p.cfg.MinDeltaEnabled {
		throttled, err := p.minDeltaThrottle(ctx, user, now)
		if err != nil {
			return policy.Result{}, err
		}
		if throttled {
			return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
		}
	}

	members := instanceMembers(req.Instance, recipients)
	accepted, err := p.redis.AcceptAndInsert(ctx, user, members, capacity, now)
	if err != nil {
		return policy.Result{}, fmt.Errorf("oqp: accept-and-insert for %q: %w", user, err)
	}
	if !accepted {
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
	}
	return policy.Result{Action: p.cfg.AcceptanceMessage, Terminate: true}, nil
}

func (p *Policy) quotaLimit(ctx context.Context, user string, u *dbadapter.User) (int, error) {
	if limit, found, err := p.redis.GetLimit(ctx, user); err != nil {
		return 0, fmt.Errorf("oqp: reading cached limit for %q: %w", user, err)
	} else if found {
		return limit, nil
	}

	if !u.QuotaID.Valid {
		return 0, dbadapter.ErrNotFound
	}
	q, err := p.db.QuotaByID(ctx, u.QuotaID.Int64)
	if err != nil {
		return 0, fmt.Errorf("oqp: loading quota for %q: %w", user, err)
	}
	if err := p.redis.SetLimit(ctx, user, q.Quota); err != nil {
		p.log.Warn().Err(err).Str("user", user).Msg("oqp: failed to cache quota limit")
	}
	return q.Quota, nil
}

// recipientCount is how many attempts this request consumes: 1 unless
// counting_recipients is enabled, in which case each RCPT TO counts.
func (p *Policy) recipientCount(req *protocol.Request) int {
	if !p.cfg.CountingRecipients {
		return 1
	}
	if raw := req.Get("recipient_count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	if raw := req.Get("recipient"); raw != "" {
		return len(strings.Split(raw, ","))
	}
	return 1
}

// minDeltaThrottle implements the experimental throttle: off by default,
// covered by its own tests. A throttled attempt pushes the latest score
// forward to now (rate-reset) rather than leaving it to age out.
func (p *Policy) minDeltaThrottle(ctx context.Context, user string, now time.Time) (bool, error) {
	member, latest, ok, err := p.redis.LatestAttempt(ctx, user)
	if err != nil {
		return false, fmt.Errorf("oqp: reading latest attempt for %q: %w", user, err)
	}
	if !ok {
		return false, nil
	}
	if now.Sub(latest) >= p.cfg.MinDelta {
		return false, nil
	}
	if err := p.redis.TouchLatestAttempt(ctx, user, member, now); err != nil {
		return false, fmt.Errorf("oqp: touching latest attempt for %q: %w", user, err)
	}
	return true, nil
}

func instanceMembers(instance string, count int) []string {
	if count < 1 {
		count = 1
	}
	members := make([]string, count)
	for i := 0; i < count; i++ {
		members[i] = fmt.Sprintf("%s.%d", instance, i)
	}
	return members
}
