package dbadapter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/chapps-project/chappsd/internal/config"
)

func init() {
	Register("postgres", newPostgresAdapter)
}

// postgresAdapter is the default Adapter backend, a thin read-only layer
// over database/sql using lib/pq.
type postgresAdapter struct {
	db *sql.DB
}

func newPostgresAdapter(cfg config.PolicyConfigAdapterSection) (Adapter, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.DBHost, cfg.DBPort, cfg.DBName, cfg.DBUser, cfg.DBPass)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening policy-config store: %w", err)
	}
	return &postgresAdapter{db: db}, nil
}

// newPostgresAdapterFromDB wraps an already-open *sql.DB, used by tests to
// inject a sqlmock connection without going through sql.Open("postgres", ...).
func newPostgresAdapterFromDB(db *sql.DB) Adapter {
	return &postgresAdapter{db: db}
}

func (a *postgresAdapter) UserByName(ctx context.Context, name string) (*User, error) {
	var u User
	row := a.db.QueryRowContext(ctx,
		`SELECT id, name, quota_id FROM users WHERE name = $1`, name)
	if err := row.Scan(&u.ID, &u.Name, &u.QuotaID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying user %q: %w", name, err)
	}
	return &u, nil
}

func (a *postgresAdapter) QuotaByID(ctx context.Context, id int64) (*Quota, error) {
	var q Quota
	row := a.db.QueryRowContext(ctx,
		`SELECT id, name, quota FROM quotas WHERE id = $1`, id)
	if err := row.Scan(&q.ID, &q.Name, &q.Quota); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying quota %d: %w", id, err)
	}
	return &q, nil
}

func (a *postgresAdapter) EmailAuthorized(ctx context.Context, userID int64, email string) (bool, error) {
	var exists bool
	row := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_emails ue
			JOIN emails e ON e.id = ue.email_id
			WHERE ue.user_id = $1 AND e.name = $2
		)`, userID, email)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("querying email authorization for user %d: %w", userID, err)
	}
	return exists, nil
}

func (a *postgresAdapter) DomainAuthorized(ctx context.Context, userID int64, domain string) (bool, error) {
	var exists bool
	row := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_domains ud
			JOIN domains d ON d.id = ud.domain_id
			WHERE ud.user_id = $1 AND d.name = $2
		)`, userID, domain)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("querying domain authorization for user %d: %w", userID, err)
	}
	return exists, nil
}

func (a *postgresAdapter) DomainByName(ctx context.Context, domain string) (*Domain, error) {
	var d Domain
	var greylist, checkSPF sql.NullBool
	row := a.db.QueryRowContext(ctx,
		`SELECT id, name, greylist, check_spf FROM domains WHERE name = $1`, domain)
	if err := row.Scan(&d.ID, &d.Name, &greylist, &checkSPF); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying domain %q: %w", domain, err)
	}
	// Older schemas may lack these columns; a NULL value is treated as
	// false rather than an error.
	d.Greylist = greylist.Valid && greylist.Bool
	d.CheckSPF = checkSPF.Valid && checkSPF.Bool
	return &d, nil
}

func (a *postgresAdapter) Close() error {
	return a.db.Close()
}
