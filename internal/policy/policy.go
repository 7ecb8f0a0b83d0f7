// Package policy defines the capability set every CHAPPS policy
// implements and the shared user-key extraction rule. A policy is
// anything satisfying Policy; internal/handler composes them generically
// without knowing which policy is which.
package policy

import (
	"context"

	"github.com/chapps-project/chappsd/internal/protocol"
)

// Result is a policy's verdict: the Postfix directive to use, and
// whether the pipeline should stop here.
type Result struct {
	Action    string
	Terminate bool
}

// Policy is the capability every OQP/SDA/GRL/SPF implementation provides.
// user is the value already extracted by ExtractUser/ExtractPrimaryUser;
// policies never perform their own user-key extraction, since that rule
// is shared CHAPPS-level configuration, not per-policy.
type Policy interface {
	Evaluate(ctx context.Context, req *protocol.Request, user string) (Result, error)
}
