// Package grl implements greylisting: defer first-seen (client, sender,
// recipient) tuples, with per-client whitelisting and per-recipient-domain
// gating. A tuple marker existing means "seen before, therefore
// deliverable" - the remote MTA retrying is the proof of legitimacy, no
// minimum delay is enforced.
package grl

import (
	"context"
	"errors"
	"fmt"
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

// Policy is the GreylistingPolicy implementation.
type Policy struct {
	cfg   config.GreylistingPolicySection
	redis *redisclient.Client
	db    dbadapter.Adapter
	log   zerolog.Logger
	clock Clock
}

// New constructs a GreylistingPolicy.
func New(cfg config.GreylistingPolicySection, redis *redisclient.Client, db dbadapter.Adapter, log zerolog.Logger) *Policy {
	return &Policy{cfg: cfg, redis: redis, db: db, log: log, clock: RealClock}
}

var _ policy.Policy = (*Policy)(nil)

// Evaluate decides one inbound delivery. Recipient domains that have not
// opted into greylisting are never gated; when recipients are mixed, only
// the opted-in ones participate in the tuple check.
func (p *Policy) Evaluate(ctx context.Context, req *protocol.Request, user string) (policy.Result, error) {
	sender := req.Get("sender")
	if sender == "" && !p.cfg.NullSenderOK {
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
	}

	clientIP := req.Get("client_address")

	gatedRcpts, err := p.gatedRecipients(ctx, recipients(req))
	if err != nil {
		return policy.Result{}, err
	}
	if len(gatedRcpts) == 0 {
		return policy.Result{Action: protocol.Dunno, Terminate: true}, nil
	}

	now := p.clock()
	tally, err := p.redis.DeliveryTally(ctx, clientIP, now)
	if err != nil {
		return policy.Result{}, fmt.Errorf("grl: reading whitelist tally for %q: %w", clientIP, err)
	}
	threshold := p.cfg.WhitelistThreshold
	if threshold <= 0 {
		threshold = 10
	}
	if tally >= int64(threshold) {
		if _, err := p.redis.RecordDelivery(ctx, clientIP, req.Instance, now); err != nil {
			return policy.Result{}, fmt.Errorf("grl: recording whitelisted delivery: %w", err)
		}
		return policy.Result{Action: protocol.Dunno, Terminate: true}, nil
	}

	// Any previously seen tuple vouches for the whole delivery. One tally
	// entry per delivered message, keyed by instance id.
	for _, rcpt := range gatedRcpts {
		tupleKey := redisclient.GRLTupleKey(clientIP, sender, rcpt)
		known, err := p.redis.TupleExists(ctx, tupleKey)
		if err != nil {
			return policy.Result{}, fmt.Errorf("grl: checking tuple %q: %w", tupleKey, err)
		}
		if known {
			if _, err := p.redis.RecordDelivery(ctx, clientIP, req.Instance, now); err != nil {
				return policy.Result{}, fmt.Errorf("grl: recording delivery: %w", err)
			}
			return policy.Result{Action: protocol.Dunno, Terminate: true}, nil
		}
	}

	for _, rcpt := range gatedRcpts {
		tupleKey := redisclient.GRLTupleKey(clientIP, sender, rcpt)
		if _, err := p.redis.SetTupleIfAbsent(ctx, tupleKey, "1", redisclient.TupleTTLSeconds*time.Second); err != nil {
			return policy.Result{}, fmt.Errorf("grl: creating tuple %q: %w", tupleKey, err)
		}
	}
	return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
}

// gatedRecipients filters rcpts down to those whose domain has opted into
// greylisting.
func (p *Policy) gatedRecipients(ctx context.Context, rcpts []string) ([]string, error) {
	var gated []string
	for _, rcpt := range rcpts {
		enabled, err := p.domainGated(ctx, domainOf(rcpt))
		if err != nil {
			return nil, err
		}
		if enabled {
			gated = append(gated, rcpt)
		}
	}
	return gated, nil
}

// domainGated is the grl:opt:<domain> cache-aside lookup: on miss the
// Domain.greylist flag is loaded from the policy-config store and cached
// for an hour. A domain with no row at all is treated as not opted in.
func (p *Policy) domainGated(ctx context.Context, domain string) (bool, error) {
	if enabled, found, err := p.redis.GetBoolFlag(ctx, redisclient.GRLOptKey(domain)); err != nil {
		return false, fmt.Errorf("grl: reading opt cache for %q: %w", domain, err)
	} else if found {
		return enabled, nil
	}

	d, err := p.db.DomainByName(ctx, domain)
	enabled := false
	if err != nil && !errors.Is(err, dbadapter.ErrNotFound) {
		return false, fmt.Errorf("grl: loading domain %q: %w", domain, err)
	}
	if err == nil {
		enabled = d.Greylist
	}

	if err := p.redis.SetBoolFlag(ctx, redisclient.GRLOptKey(domain), enabled, redisclient.OptFlagTTLSeconds*time.Second); err != nil {
		p.log.Warn().Err(err).Str("domain", domain).Msg("grl: failed to cache opt flag")
	}
	return enabled, nil
}

// recipients returns every RCPT TO address in the request. Postfix
// normally delegates one recipient at a time, but a comma-joined list is
// handled the same way the outbound quota policy counts it.
func recipients(req *protocol.Request) []string {
	raw := req.Get("recipient")
	if !strings.Contains(raw, ",") {
		return []string{raw}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{""}
	}
	return out
}

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[i+1:]
	}
	return address
}
