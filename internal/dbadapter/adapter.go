// Package dbadapter is the read-mostly relational policy-config store.
// Policies consult it only on a Redis cache miss; all writes to these
// tables come from the external admin API and operator CLI.
package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chapps-project/chappsd/internal/config"
)

// ErrNotFound is returned when a lookup finds no matching row. Policies
// map a missing user or quota to their configured REJECT action and a
// missing domain to disabled flags; neither is treated as a store failure.
var ErrNotFound = errors.New("dbadapter: not found")

// User is the identity extracted from a request.
type User struct {
	ID      int64
	Name    string
	QuotaID sql.NullInt64
}

// Quota is a quota policy record; Quota is the message count allowed per
// rolling 24-hour interval.
type Quota struct {
	ID    int64
	Name  string
	Quota int
}

// Domain is a recipient domain with its inbound-enforcement flags.
type Domain struct {
	ID       int64
	Name     string
	Greylist bool
	CheckSPF bool
}

// Adapter is the capability set every policy-config backend implements.
// All lookups are exact string matches on name.
type Adapter interface {
	// UserByName returns the user, with the id of their quota if one is
	// associated. Returns ErrNotFound if no user row matches name.
	UserByName(ctx context.Context, name string) (*User, error)
	// QuotaByID returns a quota record. Returns ErrNotFound if id is zero
	// or has no matching row.
	QuotaByID(ctx context.Context, id int64) (*Quota, error)
	// EmailAuthorized reports whether userID has a user<->email
	// association with the given whole email address.
	EmailAuthorized(ctx context.Context, userID int64, email string) (bool, error)
	// DomainAuthorized reports whether userID has a user<->domain
	// association with the given domain.
	DomainAuthorized(ctx context.Context, userID int64, domain string) (bool, error)
	// DomainByName returns inbound-enforcement flags for a recipient
	// domain. Returns ErrNotFound if domain is not configured at all,
	// which callers should treat as both flags false.
	DomainByName(ctx context.Context, domain string) (*Domain, error)
	// Close releases the underlying connection pool.
	Close() error
}

// Factory constructs an Adapter from adapter config. Registered factories
// are keyed by the PolicyConfigAdapter.module / CHAPPS_DB_MODULE value.
type Factory func(cfg config.PolicyConfigAdapterSection) (Adapter, error)

var registry = map[string]Factory{}

// Register adds a backend factory under name. Called from each backend's
// init().
func Register(name string, factory Factory) {
	registry[name] = factory
}

// Open dispatches to the factory registered under cfg.Module.
func Open(cfg config.PolicyConfigAdapterSection) (Adapter, error) {
	factory, ok := registry[cfg.Module]
	if !ok {
		return nil, fmt.Errorf("dbadapter: no backend registered for module %q", cfg.Module)
	}
	return factory(cfg)
}
