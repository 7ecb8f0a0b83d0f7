// Package spf implements SPF enforcement: per-recipient-domain gating,
// invoking the external SPF evaluator, and mapping its result to a
// Postfix action through a configurable table.
package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/dbadapter"
	"github.com/chapps-project/chappsd/internal/policy"
	"github.com/chapps-project/chappsd/internal/protocol"
	"github.com/chapps-project/chappsd/internal/redisclient"
	"github.com/chapps-project/chappsd/internal/spfeval"
)

// Symbolic built-in actions an action-table entry may name instead of a
// literal Postfix directive.
const (
	builtinPrepend       = "prepend"
	builtinOkay          = "okay"
	builtinDunno         = "dunno"
	builtinReject        = "reject"
	builtinDeferIfPermit = "defer_if_permit"
	builtinGreylist      = "greylist"
)

// Policy is the SPFEnforcementPolicy implementation. When its mapped
// action resolves to the symbolic "greylist" built-in, Evaluate returns
// Terminate=false so a composed inbound handler runs greylisting next
// and uses its action instead.
type Policy struct {
	cfg       config.SPFEnforcementPolicySection
	actions   map[string]string
	redis     *redisclient.Client
	db        dbadapter.Adapter
	evaluator spfeval.Evaluator
	log       zerolog.Logger
}

// New constructs an SPFEnforcementPolicy. actions is the parsed
// [PostfixSPFActions] table, already defaulted by config.Load.
func New(cfg config.SPFEnforcementPolicySection, actions map[string]string, redis *redisclient.Client, db dbadapter.Adapter, evaluator spfeval.Evaluator, log zerolog.Logger) *Policy {
	return &Policy{cfg: cfg, actions: actions, redis: redis, db: db, evaluator: evaluator, log: log}
}

var _ policy.Policy = (*Policy)(nil)

// Evaluate decides one inbound delivery. SPF is evaluated once per
// message; it runs when any recipient's domain has opted in.
func (p *Policy) Evaluate(ctx context.Context, req *protocol.Request, user string) (policy.Result, error) {
	gated, err := p.anyRecipientGated(ctx, recipients(req))
	if err != nil {
		return policy.Result{}, err
	}
	if !gated {
		return policy.Result{Action: protocol.Dunno, Terminate: true}, nil
	}

	clientIP := net.ParseIP(req.Get("client_address"))
	helo := req.Get("helo_name")
	sender := req.Get("sender")

	timeout := p.cfg.EvaluationTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, reason, err := p.evaluator.Evaluate(evalCtx, clientIP, helo, sender)
	if err != nil {
		p.log.Warn().Err(err).Str("sender", sender).Msg("spf: evaluator error, treating as temperror")
		result, reason = spfeval.TempError, err.Error()
	}

	directive := p.actions[string(result)]
	if directive == "" {
		directive = p.actions[string(spfeval.TempError)]
	}

	return p.resolve(directive, result, reason, clientIP, helo, sender), nil
}

// resolve turns one action-table entry (a symbolic built-in or a literal
// directive, optionally containing "{reason}") into a policy.Result.
func (p *Policy) resolve(directive string, result spfeval.Result, reason string, clientIP net.IP, helo, sender string) policy.Result {
	switch strings.ToLower(strings.TrimSpace(directive)) {
	case builtinPrepend:
		return policy.Result{Action: protocol.Prepend(receivedSPFHeader(result, reason, clientIP, helo, sender)), Terminate: true}
	case builtinOkay, builtinDunno:
		return policy.Result{Action: protocol.Dunno, Terminate: true}
	case builtinReject:
		return policy.Result{Action: p.cfg.RejectionMessage, Terminate: true}
	case builtinDeferIfPermit:
		text := "SPF evaluation deferred"
		if reason != "" {
			text += ": " + reason
		}
		return policy.Result{Action: protocol.DeferIfPermit(text), Terminate: true}
	case builtinGreylist:
		return policy.Result{Action: protocol.Dunno, Terminate: false}
	default:
		text := strings.ReplaceAll(directive, "{reason}", reason)
		return policy.Result{Action: text, Terminate: true}
	}
}

// receivedSPFHeader renders the Received-SPF header prepended on a pass,
// in the "result (explanation)" form, so downstream filters can consume
// the verdict.
func receivedSPFHeader(result spfeval.Result, reason string, clientIP net.IP, helo, sender string) string {
	ip := "unknown"
	if clientIP != nil {
		ip = clientIP.String()
	}
	explanation := reason
	if explanation == "" {
		explanation = string(result)
	}
	return fmt.Sprintf("Received-SPF: %s (%s) client-ip=%s; envelope-from=%s; helo=%s;",
		result, explanation, ip, sender, helo)
}

// anyRecipientGated reports whether at least one recipient's domain has
// SPF enforcement enabled.
func (p *Policy) anyRecipientGated(ctx context.Context, rcpts []string) (bool, error) {
	for _, rcpt := range rcpts {
		gated, err := p.domainGated(ctx, domainOf(rcpt))
		if err != nil {
			return false, err
		}
		if gated {
			return true, nil
		}
	}
	return false, nil
}

// domainGated is the spf:opt:<domain> cache-aside lookup: on miss the
// Domain.check_spf flag is loaded from the policy-config store and cached
// for an hour. A domain with no row at all is treated as not opted in.
func (p *Policy) domainGated(ctx context.Context, domain string) (bool, error) {
	if enabled, found, err := p.redis.GetBoolFlag(ctx, redisclient.SPFOptKey(domain)); err != nil {
		return false, fmt.Errorf("spf: reading opt cache for %q: %w", domain, err)
	} else if found {
		return enabled, nil
	}

	d, err := p.db.DomainByName(ctx, domain)
	enabled := false
	if err != nil && !errors.Is(err, dbadapter.ErrNotFound) {
		return false, fmt.Errorf("spf: loading domain %q: %w", domain, err)
	}
	if err == nil {
		enabled = d.CheckSPF
	}

	if err := p.redis.SetBoolFlag(ctx, redisclient.SPFOptKey(domain), enabled, redisclient.OptFlagTTLSeconds*time.Second); err != nil {
		p.log.Warn().Err(err).Str("domain", domain).Msg("spf: failed to cache opt flag")
	}
	return enabled, nil
}

// recipients returns every RCPT TO address in the request, splitting a
// comma-joined list the same way the greylisting policy does.
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
