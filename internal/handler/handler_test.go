package handler_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chapps-project/chappsd/internal/config"
	"github.com/chapps-project/chappsd/internal/handler"
	"github.com/chapps-project/chappsd/internal/policy"
	"github.com/chapps-project/chappsd/internal/protocol"
	"github.com/chapps-project/chappsd/internal/redisclient"
)

// countingPolicy records how many times it was asked to Evaluate, used to
// prove the instance cache skips re-running policies on a repeat query.
type countingPolicy struct {
	calls  int
	result policy.Result
}

func (c *countingPolicy) Evaluate(context.Context, *protocol.Request, string) (policy.Result, error) {
	c.calls++
	return c.result, nil
}

func newHandler(t *testing.T, name string, cfg config.CHAPPSSection, policies ...policy.Policy) (*handler.Handler, *redisclient.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	redisClient := redisclient.NewForTesting(rdb, 2*time.Second)
	return handler.New(name, cfg, redisClient, zerolog.Nop(), policies...), redisClient
}

func baseCfg() config.CHAPPSSection {
	return config.CHAPPSSection{
		UserKey:           []string{"sasl_username", "sender"},
		NoUserKeyResponse: protocol.Reject("Authentication required"),
	}
}

func TestHandle_OutboundPipeline_RejectTerminatesBeforeSecondPolicy(t *testing.T) {
	sda := &countingPolicy{result: policy.Result{Action: "REJECT Sender domain is not authorised", Terminate: true}}
	oqp := &countingPolicy{result: policy.Result{Action: protocol.Dunno, Terminate: true}}
	h, _ := newHandler(t, "outbound", baseCfg(), sda, oqp)

	req := &protocol.Request{Instance: "ABC", Attrs: map[string]string{"sasl_username": "bob"}}
	action, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if action != sda.result.Action {
		t.Fatalf("expected SDA rejection to win, got %q", action)
	}
	if oqp.calls != 0 {
		t.Fatalf("expected OQP never invoked after SDA rejection, got %d calls", oqp.calls)
	}
}

func TestHandle_OutboundPipeline_AcceptPassesThroughToSecondPolicy(t *testing.T) {
	sda := &countingPolicy{result: policy.Result{Action: protocol.Dunno, Terminate: false}}
	oqp := &countingPolicy{result: policy.Result{Action: "REJECT Outbound quota exceeded", Terminate: true}}
	h, _ := newHandler(t, "outbound", baseCfg(), sda, oqp)

	req := &protocol.Request{Instance: "DEF", Attrs: map[string]string{"sasl_username": "bob"}}
	action, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if action != oqp.result.Action {
		t.Fatalf("expected OQP's action to win after SDA acceptance, got %q", action)
	}
	if sda.calls != 1 || oqp.calls != 1 {
		t.Fatalf("expected exactly one call to each policy, got sda=%d oqp=%d", sda.calls, oqp.calls)
	}
}

func TestHandle_InstanceCacheSkipsPolicyReevaluation(t *testing.T) {
	p := &countingPolicy{result: policy.Result{Action: protocol.Dunno, Terminate: true}}
	h, _ := newHandler(t, "inbound", baseCfg(), p)

	req := &protocol.Request{Instance: "SAME", Attrs: map[string]string{"sasl_username": "bob"}}
	first, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	second, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle (cached): %v", err)
	}
	if first != second {
		t.Fatalf("expected byte-identical cached action, got %q then %q", first, second)
	}
	if p.calls != 1 {
		t.Fatalf("expected exactly one policy call across both requests, got %d", p.calls)
	}
}

func TestHandle_MissingUserKeyReturnsConfiguredResponse(t *testing.T) {
	p := &countingPolicy{result: policy.Result{Action: protocol.Dunno, Terminate: true}}
	cfg := baseCfg()
	cfg.RequireUserKey = true
	h, _ := newHandler(t, "outbound", cfg, p)

	req := &protocol.Request{Instance: "NOUSER", Attrs: map[string]string{}}
	action, err := h.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if action != cfg.NoUserKeyResponse {
		t.Fatalf("expected configured no_user_key_response, got %q", action)
	}
	if p.calls != 0 {
		t.Fatalf("expected policy never invoked without a user key, got %d calls", p.calls)
	}
}
