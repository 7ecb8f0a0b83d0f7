// Package spfeval adapts blitiri.com.ar/go/spf's synchronous, DNS-bound
// CheckHostWithSender into a bounded-duration call: it either returns
// within the caller's deadline or yields temperror, never a hanging
// connection. SPF record evaluation itself belongs to the library; this
// package only owns the timeout and explanation-string plumbing around
// it.
package spfeval

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
)

// Result is the closed set of RFC 7208 SPF results.
type Result string

const (
	Pass      Result = "pass"
	Fail      Result = "fail"
	SoftFail  Result = "softfail"
	Neutral   Result = "neutral"
	None      Result = "none"
	TempError Result = "temperror"
	PermError Result = "permerror"
)

// Evaluator resolves SPF for (client-ip, helo, mail-from) into a result
// and an explanation string.
type Evaluator interface {
	Evaluate(ctx context.Context, clientIP net.IP, helo, sender string) (Result, string, error)
}

// BlitiriEvaluator wraps blitiri.com.ar/go/spf.CheckHostWithSender with a
// total-duration timeout supplied through ctx.
type BlitiriEvaluator struct{}

// New constructs the default evaluator.
func New() *BlitiriEvaluator {
	return &BlitiriEvaluator{}
}

type evalOutcome struct {
	result Result
	reason string
	err    error
}

// Evaluate runs CheckHostWithSender on a separate goroutine so a DNS
// lookup that outlives ctx's deadline does not block the caller; the
// goroutine itself is abandoned (the underlying library offers no
// cancellation hook) but its result is simply discarded.
func (e *BlitiriEvaluator) Evaluate(ctx context.Context, clientIP net.IP, helo, sender string) (Result, string, error) {
	out := make(chan evalOutcome, 1)
	go func() {
		res, err := spf.CheckHostWithSender(clientIP, helo, sender)
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		out <- evalOutcome{result: Result(res), reason: reason, err: nil}
	}()

	select {
	case o := <-out:
		if o.result == "" {
			return TempError, "empty result from evaluator", nil
		}
		return o.result, o.reason, nil
	case <-ctx.Done():
		return TempError, "spf evaluation timed out", nil
	}
}
