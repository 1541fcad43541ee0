// internal/repository/donation_repo.go
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"donation-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const donationColumns = `
	id, owner_id, amount::text, currency, rail, provider_reference, status,
	donor_display_name, donor_email, message, is_anonymous, provider_metadata,
	created_at, updated_at`

type donationRepo struct {
	db *pgxpool.Pool
}

func NewDonationRepository(db *pgxpool.Pool) DonationRepository {
	return &donationRepo{db: db}
}

func (r *donationRepo) Create(ctx context.Context, d *domain.Donation) error {
	query := `
		INSERT INTO donations (
			id, owner_id, amount, currency, rail, provider_reference, status,
			donor_display_name, donor_email, message, is_anonymous, provider_metadata
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	metadataJSON, err := marshalMetadata(d.ProviderMetadata)
	if err != nil {
		return err
	}

	err = r.db.QueryRow(ctx, query,
		d.ID,
		d.OwnerID,
		d.Amount.String(),
		string(d.Currency),
		string(d.Rail),
		d.ProviderReference,
		string(d.Status),
		d.DonorDisplayName,
		d.DonorEmail,
		d.Message,
		d.IsAnonymous,
		metadataJSON,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewDuplicateReferenceError(d.ProviderReference)
		}
		return fmt.Errorf("insert donation: %w", err)
	}
	return nil
}

func (r *donationRepo) GetByReference(ctx context.Context, reference string) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE provider_reference = $1`

	d, err := scanDonation(r.db.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewUnknownReferenceError(reference)
		}
		return nil, fmt.Errorf("get donation by reference: %w", err)
	}
	return d, nil
}

func (r *donationRepo) Transition(
	ctx context.Context,
	reference string,
	from, to domain.DonationStatus,
	metadata map[string]interface{},
	donorEmail string,
) (*domain.Donation, bool, error) {
	// jsonb || keeps the right-hand value on key collisions, so the stored
	// metadata goes on the right.
	query := `
		UPDATE donations
		SET
			status = $3,
			provider_metadata = $4::jsonb || provider_metadata,
			donor_email = COALESCE(donor_email, NULLIF($5, '')),
			updated_at = NOW()
		WHERE provider_reference = $1 AND status = $2
		RETURNING ` + donationColumns

	metadataJSON, err := marshalMetadata(metadata)
	if err != nil {
		return nil, false, err
	}

	d, err := scanDonation(r.db.QueryRow(ctx, query, reference, string(from), string(to), metadataJSON, donorEmail))
	if err == nil {
		return d, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("transition donation: %w", err)
	}

	current, err := r.GetByReference(ctx, reference)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (r *donationRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*domain.Donation, int, error) {
	var total int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM donations WHERE owner_id = $1`, ownerID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count donations: %w", err)
	}

	query := `SELECT ` + donationColumns + `
		FROM donations
		WHERE owner_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, ownerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list donations: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.Donation, 0, limit)
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan donation: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list donations: %w", err)
	}
	return out, total, nil
}

func (r *donationRepo) CompletedTotals(ctx context.Context, ownerID string) ([]TotalsRow, error) {
	query := `
		SELECT currency, rail, COUNT(*), SUM(amount)::text
		FROM donations
		WHERE owner_id = $1 AND status = 'completed'
		GROUP BY currency, rail
		ORDER BY currency, rail
	`

	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("aggregate donations: %w", err)
	}
	defer rows.Close()

	var out []TotalsRow
	for rows.Next() {
		var (
			row      TotalsRow
			currency string
			rail     string
			total    string
		)
		if err := rows.Scan(&currency, &rail, &row.Count, &total); err != nil {
			return nil, fmt.Errorf("scan totals: %w", err)
		}
		row.Currency = domain.Currency(currency)
		row.Rail = domain.Rail(rail)
		if row.Total, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("parse total %q: %w", total, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (r *donationRepo) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Donation, error) {
	query := `SELECT ` + donationColumns + `
		FROM donations
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var out []*domain.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDonation(row pgx.Row) (*domain.Donation, error) {
	var (
		d        domain.Donation
		amount   string
		currency string
		rail     string
		status   string
		metadata map[string]interface{}
	)
	err := row.Scan(
		&d.ID,
		&d.OwnerID,
		&amount,
		&currency,
		&rail,
		&d.ProviderReference,
		&status,
		&d.DonorDisplayName,
		&d.DonorEmail,
		&d.Message,
		&d.IsAnonymous,
		&metadata,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	d.Currency = domain.Currency(currency)
	d.Rail = domain.Rail(rail)
	d.Status = domain.DonationStatus(status)
	d.ProviderMetadata = metadata
	if d.ProviderMetadata == nil {
		d.ProviderMetadata = map[string]interface{}{}
	}
	return &d, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}
