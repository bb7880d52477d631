package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// VendorStore implements domain.VendorStore using PostgreSQL.
type VendorStore struct {
	pool *pgxpool.Pool
}

// NewVendorStore creates a new VendorStore backed by the given pool.
func NewVendorStore(pool *pgxpool.Pool) *VendorStore {
	return &VendorStore{pool: pool}
}

const vendorSelect = `
	SELECT v.user_id, v.display_name, v.bank_name, v.account_number, v.account_name, v.active,
	       (SELECT COUNT(*) FROM vendor_jobs j
	         WHERE j.vendor_id = v.user_id
	           AND j.status NOT IN ('completed', 'cancelled', 'payment_rejected'))::int AS open_jobs
	  FROM vendors v`

func scanVendor(scanner interface{ Scan(dest ...any) error }) (domain.Vendor, error) {
	var v domain.Vendor
	err := scanner.Scan(&v.UserID, &v.DisplayName, &v.BankName, &v.AccountNumber, &v.AccountName, &v.Active, &v.OpenJobs)
	return v, err
}

// GetByID retrieves a vendor with its open job count.
func (s *VendorStore) GetByID(ctx context.Context, userID string) (domain.Vendor, error) {
	v, err := scanVendor(db(ctx, s.pool).QueryRow(ctx, vendorSelect+` WHERE v.user_id = $1`, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vendor{}, domain.ErrNotFound
		}
		return domain.Vendor{}, fmt.Errorf("postgres: get vendor %s: %w", userID, err)
	}
	return v, nil
}

// PickAvailable returns the active vendor with the fewest open jobs, ties
// broken by id.
func (s *VendorStore) PickAvailable(ctx context.Context) (domain.Vendor, error) {
	v, err := scanVendor(db(ctx, s.pool).QueryRow(ctx,
		vendorSelect+` WHERE v.active ORDER BY open_jobs ASC, v.user_id ASC LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Vendor{}, domain.ErrNoVendorAvailable
		}
		return domain.Vendor{}, fmt.Errorf("postgres: pick vendor: %w", err)
	}
	return v, nil
}
