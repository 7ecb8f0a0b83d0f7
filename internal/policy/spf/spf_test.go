package spf_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/dbadapter"
	"github.com/chapps-project/chappsd/internal/policy/spf"
	"github.com/chapps-project/chappsd/internal/protocol"
	"github.com/chapps-project/chappsd/internal/redisclient"
	"github.com/chapps-project/chappsd/internal/spfeval"
)

type fakeAdapter struct {
	domains map[string]*dbadapter.Domain
}

func (f *fakeAdapter) UserByName(context.Context, string) (*dbadapter.User, error) {
	return nil, dbadapter.ErrNotFound
}
func (f *fakeAdapter) QuotaByID(context.Context, int64) (*dbadapter.Quota, error) {
	return nil, dbadapter.ErrNotFound
}
func (f *fakeAdapter) EmailAuthorized(context.Context, int64, string) (bool, error)  { return false, nil }
func (f *fakeAdapter) DomainAuthorized(context.Context, int64, string) (bool, error) { return false, nil }
func (f *fakeAdapter) DomainByName(_ context.Context, domain string) (*dbadapter.Domain, error) {
	if d, ok := f.domains[domain]; ok {
		return d, nil
	}
	return nil, dbadapter.ErrNotFound
}
func (f *fakeAdapter) Close() error { return nil }

type fakeEvaluator struct {
	result spfeval.Result
	reason string
	err    error
}

func (f *fakeEvaluator) Evaluate(context.Context, net.IP, string, string) (spfeval.Result, string, error) {
	return f.result, f.reason, f.err
}

func newPolicy(t *testing.T, eval spfeval.Evaluator, actions map[string]string) *spf.Policy {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisClient := redisclient.NewForTesting(rdb, 2*time.Second)

	adapter := &fakeAdapter{domains: map[string]*dbadapter.Domain{
		"gated.example": {ID: 1, Name: "gated.example", CheckSPF: true},
	}}

	cfg := config.SPFEnforcementPolicySection{}
	cfg.RejectionMessage = protocol.Reject("SPF check failed")
	cfg.EvaluationTimeout = time.Second

	merged := map[string]string{
		"pass":      "prepend",
		"fail":      "550 5.7.1 SPF check failed: {reason}",
		"softfail":  "greylist",
		"neutral":   "greylist",
		"none":      "greylist",
		"temperror": "451 4.4.3 Temporary SPF evaluation error: {reason}",
		"permerror": "550 5.5.2 Permanent SPF evaluation error: {reason}",
	}
	for k, v := range actions {
		merged[k] = v
	}

	return spf.New(cfg, merged, redisClient, adapter, eval, zerolog.Nop())
}

func request(clientIP, sender, recipient string) *protocol.Request {
	return &protocol.Request{
		Attrs: map[string]string{
			"client_address": clientIP,
			"sender":         sender,
			"recipient":      recipient,
			"helo_name":      "mail.example.com",
		},
	}
}

func TestEvaluate_UngatedDomainAccepts(t *testing.T) {
	p := newPolicy(t, &fakeEvaluator{result: spfeval.Fail}, nil)
	req := request("1.2.3.4", "s@x", "r@notgated.example")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action != protocol.Dunno {
		t.Fatalf("expected accept for ungated domain, got %q", result.Action)
	}
}

func TestEvaluate_AnyGatedRecipientTriggersEvaluation(t *testing.T) {
	p := newPolicy(t, &fakeEvaluator{result: spfeval.Fail, reason: "matched 'all'"}, nil)
	req := request("1.2.3.4", "s@x", "a@notgated.example, b@gated.example")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action == protocol.Dunno {
		t.Fatalf("expected SPF enforcement when one recipient domain opts in, got %q", result.Action)
	}
}

func TestEvaluate_PassPrependsReceivedSPFHeader(t *testing.T) {
	p := newPolicy(t, &fakeEvaluator{result: spfeval.Pass, reason: "matched ip4"}, nil)
	req := request("1.2.3.4", "s@x", "r@gated.example")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action[:len("PREPEND Received-SPF:")] != "PREPEND Received-SPF:" {
		t.Fatalf("expected PREPEND Received-SPF header, got %q", result.Action)
	}
	if !result.Terminate {
		t.Fatalf("expected pipeline to terminate on pass")
	}
}

func TestEvaluate_FailRejectsWithReason(t *testing.T) {
	p := newPolicy(t, &fakeEvaluator{result: spfeval.Fail, reason: "matched 'all'"}, nil)
	req := request("1.2.3.4", "s@x", "r@gated.example")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := "550 5.7.1 SPF check failed: matched 'all'"
	if result.Action != want {
		t.Fatalf("expected %q, got %q", want, result.Action)
	}
}

func TestEvaluate_SoftfailDelegatesToGreylisting(t *testing.T) {
	p := newPolicy(t, &fakeEvaluator{result: spfeval.SoftFail}, nil)
	req := request("1.2.3.4", "s@x", "r@gated.example")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Terminate {
		t.Fatalf("expected softfail to continue into greylisting, got terminate=true action=%q", result.Action)
	}
}

func TestEvaluate_UnknownResultCollapsesToTemperror(t *testing.T) {
	p := newPolicy(t, &fakeEvaluator{result: spfeval.Result("bogus")}, nil)
	req := request("1.2.3.4", "s@x", "r@gated.example")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	want := "451 4.4.3 Temporary SPF evaluation error: "
	if result.Action != want {
		t.Fatalf("expected temperror default action, got %q", result.Action)
	}
}
