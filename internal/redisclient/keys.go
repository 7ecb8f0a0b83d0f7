package redisclient

import "fmt"

// Key builders for the shared Redis schema. The key prefixes are a
// stable external contract consumed by the admin API for cache
// invalidation; each policy exclusively owns its own prefix, and the
// handler owns handler:*.

// OQPAttemptsKey is the sorted set of outbound attempts for user.
func OQPAttemptsKey(user string) string { return fmt.Sprintf("oqp:%s:attempts", user) }

// OQPLimitKey caches the numeric quota limit for user.
func OQPLimitKey(user string) string { return fmt.Sprintf("oqp:%s:limit", user) }

// SDAKey caches an authorization decision for user against a domain or
// whole email address.
func SDAKey(user, domainOrEmail string) string { return fmt.Sprintf("sda:%s:%s", user, domainOrEmail) }

// GRLClientKey is the sorted set of successful deliveries for clientIP.
func GRLClientKey(clientIP string) string { return fmt.Sprintf("grl:%s", clientIP) }

// GRLTupleKey marks a (client, sender, recipient) tuple as previously seen.
func GRLTupleKey(clientIP, sender, recipient string) string {
	return fmt.Sprintf("grl:tuple:%s:%s:%s", clientIP, sender, recipient)
}

// GRLOptKey caches whether greylisting is enabled for a recipient domain.
func GRLOptKey(domain string) string { return fmt.Sprintf("grl:opt:%s", domain) }

// SPFOptKey caches whether SPF enforcement is enabled for a recipient domain.
func SPFOptKey(domain string) string { return fmt.Sprintf("spf:opt:%s", domain) }

// HandlerKey caches the handler's aggregate action for a Postfix instance.
func HandlerKey(instance string) string { return fmt.Sprintf("handler:%s", instance) }

const (
	// SlidingWindow is the rolling interval, in seconds, for OQP and GRL
	// client tallies.
	SlidingWindow = 86400

	// TupleTTLSeconds is how long a greylist tuple marker survives after
	// first being seen.
	TupleTTLSeconds = 86400

	// SDATTLSeconds is the cache lifetime for sender-domain-auth decisions.
	SDATTLSeconds = 86400

	// OptFlagTTLSeconds is the cache lifetime for grl:opt/spf:opt flags.
	OptFlagTTLSeconds = 3600

	// HandlerTTLSeconds is the cache lifetime for handler:<instance>.
	HandlerTTLSeconds = 600
)
