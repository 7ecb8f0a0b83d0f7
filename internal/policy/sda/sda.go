// Package sda implements sender-domain and whole-email authorization,
// cached in Redis with an RDBMS fallback on miss.
package sda

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

// Policy is the SenderDomainAuthPolicy implementation.
type Policy struct {
	cfg   config.SenderDomainAuthPolicySection
	redis *redisclient.Client
	db    dbadapter.Adapter
	log   zerolog.Logger
}

// New constructs a SenderDomainAuthPolicy.
func New(cfg config.SenderDomainAuthPolicySection, redis *redisclient.Client, db dbadapter.Adapter, log zerolog.Logger) *Policy {
	return &Policy{cfg: cfg, redis: redis, db: db, log: log}
}

var _ policy.Policy = (*Policy)(nil)

// Evaluate decides whether user may send as sender. Terminate is true on
// rejection (ending the outbound pipeline there); false on acceptance, so
// a composed outbound handler can continue into the outbound quota
// policy.
func (p *Policy) Evaluate(ctx context.Context, req *protocol.Request, user string) (policy.Result, error) {
	sender := req.Get("sender")
	if sender == "" {
		if p.cfg.NullSenderOK {
			return policy.Result{Action: p.cfg.AcceptanceMessage, Terminate: false}, nil
		}
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
	}

	domain := domainOf(sender)
	emailKey := redisclient.SDAKey(user, sender)
	domainKey := redisclient.SDAKey(user, domain)

	if allowed, found, err := p.redis.GetBoolFlag(ctx, emailKey); err != nil {
		return policy.Result{}, fmt.Errorf("sda: reading email cache for %q: %w", sender, err)
	} else if found {
		return p.decision(allowed), nil
	}
	if allowed, found, err := p.redis.GetBoolFlag(ctx, domainKey); err != nil {
		return policy.Result{}, fmt.Errorf("sda: reading domain cache for %q: %w", domain, err)
	} else if found {
		return p.decision(allowed), nil
	}

	u, err := p.db.UserByName(ctx, user)
	if errors.Is(err, dbadapter.ErrNotFound) {
		if err := p.redis.SetBoolFlag(ctx, emailKey, false, redisclient.SDATTLSeconds*time.Second); err != nil {
			p.log.Warn().Err(err).Msg("sda: failed to cache negative decision")
		}
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}, nil
	}
	if err != nil {
		return policy.Result{}, fmt.Errorf("sda: looking up user %q: %w", user, err)
	}

	if ok, err := p.db.EmailAuthorized(ctx, u.ID, sender); err != nil {
		return policy.Result{}, fmt.Errorf("sda: checking email authorization: %w", err)
	} else if ok {
		// A whole-email match authorises the domain key too, so later
		// probes for either form hit the cache.
		if err := p.redis.SetBoolFlag(ctx, emailKey, true, redisclient.SDATTLSeconds*time.Second); err != nil {
			p.log.Warn().Err(err).Msg("sda: failed to cache positive email decision")
		}
		if err := p.redis.SetBoolFlag(ctx, domainKey, true, redisclient.SDATTLSeconds*time.Second); err != nil {
			p.log.Warn().Err(err).Msg("sda: failed to cache positive domain decision")
		}
		return p.decision(true), nil
	}

	if ok, err := p.db.DomainAuthorized(ctx, u.ID, domain); err != nil {
		return policy.Result{}, fmt.Errorf("sda: checking domain authorization: %w", err)
	} else if ok {
		if err := p.redis.SetBoolFlag(ctx, domainKey, true, redisclient.SDATTLSeconds*time.Second); err != nil {
			p.log.Warn().Err(err).Msg("sda: failed to cache positive domain decision")
		}
		return p.decision(true), nil
	}

	if err := p.redis.SetBoolFlag(ctx, emailKey, false, redisclient.SDATTLSeconds*time.Second); err != nil {
		p.log.Warn().Err(err).Msg("sda: failed to cache negative email decision")
	}
	if err := p.redis.SetBoolFlag(ctx, domainKey, false, redisclient.SDATTLSeconds*time.Second); err != nil {
		p.log.Warn().Err(err).Msg("sda: failed to cache negative domain decision")
	}
	return p.decision(false), nil
}

func (p *Policy) decision(allowed bool) policy.Result {
	if allowed {
		return policy.Result{Action: p.cfg.AcceptanceMessage, Terminate: false}
	}
	return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}
}

func domainOf(sender string) string {
	if i := strings.LastIndexByte(sender, '@'); i >= 0 {
		return sender[i+1:]
	}
	return sender
}
