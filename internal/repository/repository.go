// internal/repository/repository.go
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"donation-service/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const pgUniqueViolation = "23505"

//go:embed migrations/*.sql
var migrationFiles embed.FS

// DonationRepository is the ledger store. Reconciliation always addresses
// records by provider reference.
type DonationRepository interface {
	// Create inserts a new record. A reused provider reference yields a
	// duplicate_reference error and leaves the existing record untouched.
	Create(ctx context.Context, d *domain.Donation) error
	// GetByReference returns an unknown_reference error when nothing matches.
	GetByReference(ctx context.Context, reference string) (*domain.Donation, error)
	// Transition atomically moves the record from `from` to `to`, merging
	// metadata without overwriting existing keys and filling donor_email only
	// when it is empty. When the record is not in `from` nothing is written and
	// applied is false; the current record is still returned.
	Transition(ctx context.Context, reference string, from, to domain.DonationStatus, metadata map[string]interface{}, donorEmail string) (d *domain.Donation, applied bool, err error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Donation, int, error)
	// CompletedTotals aggregates completed donations per currency and rail.
	CompletedTotals(ctx context.Context, ownerID string) ([]TotalsRow, error)
	// ListPendingBefore returns pending records created before cutoff, oldest first.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Donation, error)
}

// ProviderEventRepository is the append-only audit log of provider traffic.
type ProviderEventRepository interface {
	Create(ctx context.Context, event *domain.ProviderEvent) error
	ListByReference(ctx context.Context, reference string) ([]*domain.ProviderEvent, error)
}

// TotalsRow is one (currency, rail) bucket of completed donations.
type TotalsRow struct {
	Currency domain.Currency
	Rail     domain.Rail
	Count    int
	Total    decimal.Decimal
}

// Migrate applies the embedded schema files in lexical order. Every statement
// is idempotent so Migrate is safe to run on each start.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
