package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// CashOrderStore implements domain.CashOrderStore using PostgreSQL.
type CashOrderStore struct {
	pool *pgxpool.Pool
}

// NewCashOrderStore creates a new CashOrderStore backed by the given pool.
func NewCashOrderStore(pool *pgxpool.Pool) *CashOrderStore {
	return &CashOrderStore{pool: pool}
}

// Create inserts a cash order.
func (s *CashOrderStore) Create(ctx context.Context, o domain.CashOrder) error {
	details, err := json.Marshal(o.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal cash order details: %w", err)
	}

	const query = `
		INSERT INTO cash_orders (
			id, tracking_code, vendor_job_id, user_id, usd_amount, fiat_amount,
			status, payment_proof_url, details, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9, $10, $10)`

	_, err = db(ctx, s.pool).Exec(ctx, query,
		o.ID, o.TrackingCode, o.VendorJobID, o.UserID,
		o.USDAmount.String(), o.FiatAmount.String(),
		string(o.Status), o.PaymentProofURL, details, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create cash order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create cash order %s: %w", o.ID, err)
	}
	return nil
}

const cashOrderSelectCols = `id, tracking_code, vendor_job_id, user_id,
	usd_amount::text, fiat_amount::text, status, payment_proof_url, details,
	created_at, updated_at`

func scanCashOrder(scanner interface{ Scan(dest ...any) error }) (domain.CashOrder, error) {
	var (
		o               domain.CashOrder
		usdAmt, fiatAmt string
		st              string
		details         []byte
	)
	err := scanner.Scan(
		&o.ID, &o.TrackingCode, &o.VendorJobID, &o.UserID,
		&usdAmt, &fiatAmt, &st, &o.PaymentProofURL, &details,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.CashOrder{}, err
	}
	o.Status = domain.VendorJobStatus(st)
	if o.USDAmount, err = parseDecimal(usdAmt); err != nil {
		return domain.CashOrder{}, err
	}
	if o.FiatAmount, err = parseDecimal(fiatAmt); err != nil {
		return domain.CashOrder{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &o.Details); err != nil {
			return domain.CashOrder{}, fmt.Errorf("unmarshal cash order details: %w", err)
		}
	}
	return o, nil
}

// GetByTrackingCode retrieves the order shown to a customer holding code.
func (s *CashOrderStore) GetByTrackingCode(ctx context.Context, code string) (domain.CashOrder, error) {
	o, err := scanCashOrder(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+cashOrderSelectCols+` FROM cash_orders WHERE tracking_code = $1`, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CashOrder{}, domain.ErrNotFound
		}
		return domain.CashOrder{}, fmt.Errorf("postgres: get cash order %s: %w", code, err)
	}
	return o, nil
}

// GetByVendorJobID retrieves the order mirroring jobID.
func (s *CashOrderStore) GetByVendorJobID(ctx context.Context, jobID string) (domain.CashOrder, error) {
	o, err := scanCashOrder(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+cashOrderSelectCols+` FROM cash_orders WHERE vendor_job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CashOrder{}, domain.ErrNotFound
		}
		return domain.CashOrder{}, fmt.Errorf("postgres: get cash order for job %s: %w", jobID, err)
	}
	return o, nil
}

// SyncStatus mirrors the job's status (and proof, when given) onto its
// cash order.
func (s *CashOrderStore) SyncStatus(ctx context.Context, jobID string, status domain.VendorJobStatus, proofURL *string) error {
	tag, err := db(ctx, s.pool).Exec(ctx, `
		UPDATE cash_orders
		   SET status = $2, payment_proof_url = COALESCE($3::text, payment_proof_url), updated_at = NOW()
		 WHERE vendor_job_id = $1`, jobID, string(status), proofURL)
	if err != nil {
		return fmt.Errorf("postgres: sync cash order for job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
