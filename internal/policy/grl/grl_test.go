package grl_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/dbadapter"
	"github.com/chapps-project/chappsd/internal/policy/grl"
	"github.com/chapps-project/chappsd/internal/protocol"
	"github.com/chapps-project/chappsd/internal/redisclient"
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

func newPolicy(t *testing.T, threshold int) *grl.Policy {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisClient := redisclient.NewForTesting(rdb, 2*time.Second)

	adapter := &fakeAdapter{domains: map[string]*dbadapter.Domain{
		"y": {ID: 1, Name: "y", Greylist: true},
	}}

	cfg := config.GreylistingPolicySection{WhitelistThreshold: threshold}
	cfg.NullSenderOK = true
	cfg.RejectionMessage = protocol.DeferIfPermit("Service temporarily unavailable - greylisted")

	return grl.New(cfg, redisClient, adapter, zerolog.Nop())
}

func request(clientIP, sender, recipient, instance string) *protocol.Request {
	return &protocol.Request{
		Instance: instance,
		Attrs: map[string]string{
			"client_address": clientIP,
			"sender":         sender,
			"recipient":      recipient,
			"instance":       instance,
		},
	}
}

func TestEvaluate_FirstSightingDefersThenRetryAccepts(t *testing.T) {
	p := newPolicy(t, 10)
	req := request("1.2.3.4", "s@x", "r@y", "ABC.1")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action == protocol.Dunno {
		t.Fatalf("expected defer on first sighting, got %q", result.Action)
	}

	result, err = p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate (retry): %v", err)
	}
	if result.Action != protocol.Dunno {
		t.Fatalf("expected accept on tuple retry, got %q", result.Action)
	}
}

func TestEvaluate_UngatedDomainAlwaysAccepts(t *testing.T) {
	p := newPolicy(t, 10)
	req := request("9.9.9.9", "s@x", "r@notgated.example", "XYZ.1")

	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action != protocol.Dunno {
		t.Fatalf("expected accept for ungated domain, got %q", result.Action)
	}
}

func TestEvaluate_MixedRecipients_OnlyOptedInDomainsGate(t *testing.T) {
	p := newPolicy(t, 10)

	// Both recipients outside the opted-in domain: nothing gates.
	req := request("6.6.6.6", "s@x", "a@plain.example, b@plain.example", "M.1")
	result, err := p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action != protocol.Dunno {
		t.Fatalf("expected accept when no recipient domain is opted in, got %q", result.Action)
	}

	// One opted-in recipient among the list is enough to defer.
	req = request("6.6.6.6", "s@x", "a@plain.example, gated@y", "M.2")
	result, err = p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if result.Action == protocol.Dunno {
		t.Fatalf("expected defer when one recipient domain is opted in, got %q", result.Action)
	}

	// The retry matches the tuple written for the gated recipient.
	result, err = p.Evaluate(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Evaluate (retry): %v", err)
	}
	if result.Action != protocol.Dunno {
		t.Fatalf("expected accept on tuple retry, got %q", result.Action)
	}
}

func TestEvaluate_WhitelistThresholdBypassesTuple(t *testing.T) {
	p := newPolicy(t, 2)
	first := request("5.5.5.5", "a@x", "r@y", "A.1")
	if _, err := p.Evaluate(context.Background(), first, ""); err != nil {
		t.Fatalf("Evaluate first: %v", err)
	}
	if _, err := p.Evaluate(context.Background(), first, ""); err != nil {
		t.Fatalf("Evaluate retry: %v", err)
	}
	// A second accepted delivery from the client brings its tally to the
	// threshold; the initial defer recorded nothing.
	second := request("5.5.5.5", "a@x", "r@y", "A.2")
	if _, err := p.Evaluate(context.Background(), second, ""); err != nil {
		t.Fatalf("Evaluate second delivery: %v", err)
	}

	fresh := request("5.5.5.5", "brandnew@x", "other@y", "B.1")
	result, err := p.Evaluate(context.Background(), fresh, "")
	if err != nil {
		t.Fatalf("Evaluate fresh tuple: %v", err)
	}
	if result.Action != protocol.Dunno {
		t.Fatalf("expected whitelisted client to bypass tuple check, got %q", result.Action)
	}
}
