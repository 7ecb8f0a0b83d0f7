package dbadapter

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// retryAdapter decorates an Adapter with a single retry after a short
// backoff when the backend is unavailable. ErrNotFound is a definitive
// answer and is never retried. A second failure propagates to the caller,
// which degrades to its fallback action instead of blocking mail flow.
type retryAdapter struct {
	next    Adapter
	backoff time.Duration
	log     zerolog.Logger
}

// WithRetry wraps next so each read is attempted twice before giving up.
func WithRetry(next Adapter, backoff time.Duration, log zerolog.Logger) Adapter {
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	return &retryAdapter{next: next, backoff: backoff, log: log}
}

func retry[T any](ctx context.Context, r *retryAdapter, op string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}

	r.log.Warn().Err(err).Str("op", op).Msg("dbadapter: query failed, retrying once")
	select {
	case <-ctx.Done():
		return v, ctx.Err()
	case <-time.After(r.backoff):
	}

	v, err = fn()
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.log.Error().Err(err).Str("op", op).Msg("dbadapter: policy-config store unavailable after retry")
	}
	return v, err
}

func (r *retryAdapter) UserByName(ctx context.Context, name string) (*User, error) {
	return retry(ctx, r, "user_by_name", func() (*User, error) {
		return r.next.UserByName(ctx, name)
	})
}

func (r *retryAdapter) QuotaByID(ctx context.Context, id int64) (*Quota, error) {
	return retry(ctx, r, "quota_by_id", func() (*Quota, error) {
		return r.next.QuotaByID(ctx, id)
	})
}

func (r *retryAdapter) EmailAuthorized(ctx context.Context, userID int64, email string) (bool, error) {
	return retry(ctx, r, "email_authorized", func() (bool, error) {
		return r.next.EmailAuthorized(ctx, userID, email)
	})
}

func (r *retryAdapter) DomainAuthorized(ctx context.Context, userID int64, domain string) (bool, error) {
	return retry(ctx, r, "domain_authorized", func() (bool, error) {
		return r.next.DomainAuthorized(ctx, userID, domain)
	})
}

func (r *retryAdapter) DomainByName(ctx context.Context, domain string) (*Domain, error) {
	return retry(ctx, r, "domain_by_name", func() (*Domain, error) {
		return r.next.DomainByName(ctx, domain)
	})
}

func (r *retryAdapter) Close() error {
	return r.next.Close()
}
