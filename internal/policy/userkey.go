package policy

import (
	"fmt"

	"github.com/chapps-project/chappsd/internal/protocol"
)

// ExtractUser finds the User.name for a request: keys is the configured
// candidate attribute list in priority order, and the first non-empty
// attribute wins. If none of the candidates are present, extraction
// fails, since every policy needs a User.name to key its lookups on.
//
// The returned value is used only as an opaque string lookup key, never
// evaluated as code.
func ExtractUser(req *protocol.Request, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: no user_key candidates configured", protocol.ErrAuthenticationFailed)
	}
	for _, k := range keys {
		if v := req.Get(k); v != "" {
			return v, nil
		}
	}
	return "", protocol.ErrAuthenticationFailed
}

// ExtractPrimaryUser is the require_user_key=true variant: only the
// primary candidate is consulted.
func ExtractPrimaryUser(req *protocol.Request, keys []string) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("%w: no user_key candidates configured", protocol.ErrAuthenticationFailed)
	}
	v := req.Get(keys[0])
	if v == "" {
		return "", protocol.ErrAuthenticationFailed
	}
	return v, nil
}
