package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// VendorJobStore implements domain.VendorJobStore using PostgreSQL.
type VendorJobStore struct {
	pool *pgxpool.Pool
}

// NewVendorJobStore creates a new VendorJobStore backed by the given pool.
func NewVendorJobStore(pool *pgxpool.Pool) *VendorJobStore {
	return &VendorJobStore{pool: pool}
}

// Create inserts a new job. This is the only statement that writes
// verification_code; a trigger rejects later changes.
func (s *VendorJobStore) Create(ctx context.Context, j domain.VendorJob) error {
	const query = `
		INSERT INTO vendor_jobs (
			id, requester_id, payer_id, vendor_id, trade_id,
			usd_amount, fiat_amount, delivery_type, delivery_address,
			status, verification_code, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::numeric, $7::numeric, $8, $9,
			$10, $11, $12, $13, $13
		)`

	_, err := db(ctx, s.pool).Exec(ctx, query,
		j.ID, j.RequesterID, j.PayerID, j.VendorID, j.TradeID,
		j.USDAmount.String(), j.FiatAmount.String(), string(j.DeliveryType), j.DeliveryAddress,
		string(j.Status), j.VerificationCode, j.ExpiresAt, j.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create vendor job %s: %w", j.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create vendor job %s: %w", j.ID, err)
	}
	return nil
}

const jobSelectCols = `id, requester_id, payer_id, vendor_id, trade_id,
	usd_amount::text, fiat_amount::text, amount_received::text,
	delivery_type, delivery_address, bank_reference, payment_proof_url,
	status, verification_code, cancel_reason, expires_at,
	payment_sent_at, payment_confirmed_at, dispatched_at, completed_at, cancelled_at,
	created_at, updated_at`

func scanVendorJob(scanner interface{ Scan(dest ...any) error }) (domain.VendorJob, error) {
	var (
		j                domain.VendorJob
		usdAmt, fiatAmt  string
		received         *string
		deliveryType, st string
	)
	err := scanner.Scan(
		&j.ID, &j.RequesterID, &j.PayerID, &j.VendorID, &j.TradeID,
		&usdAmt, &fiatAmt, &received,
		&deliveryType, &j.DeliveryAddress, &j.BankReference, &j.PaymentProofURL,
		&st, &j.VerificationCode, &j.CancelReason, &j.ExpiresAt,
		&j.PaymentSentAt, &j.PaymentConfirmedAt, &j.DispatchedAt, &j.CompletedAt, &j.CancelledAt,
		&j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.VendorJob{}, err
	}

	j.DeliveryType = domain.DeliveryType(deliveryType)
	j.Status = domain.VendorJobStatus(st)
	if j.USDAmount, err = parseDecimal(usdAmt); err != nil {
		return domain.VendorJob{}, err
	}
	if j.FiatAmount, err = parseDecimal(fiatAmt); err != nil {
		return domain.VendorJob{}, err
	}
	if j.AmountReceived, err = parseNullDecimal(received); err != nil {
		return domain.VendorJob{}, err
	}
	return j, nil
}

func scanVendorJobRows(rows pgx.Rows) ([]domain.VendorJob, error) {
	var jobs []domain.VendorJob
	for rows.Next() {
		j, err := scanVendorJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetByID retrieves a single job.
func (s *VendorJobStore) GetByID(ctx context.Context, id string) (domain.VendorJob, error) {
	j, err := scanVendorJob(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+jobSelectCols+` FROM vendor_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VendorJob{}, domain.ErrNotFound
		}
		return domain.VendorJob{}, fmt.Errorf("postgres: get vendor job %s: %w", id, err)
	}
	return j, nil
}

// GetByTradeID retrieves the job linked to a trade.
func (s *VendorJobStore) GetByTradeID(ctx context.Context, tradeID string) (domain.VendorJob, error) {
	j, err := scanVendorJob(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+jobSelectCols+` FROM vendor_jobs WHERE trade_id = $1`, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.VendorJob{}, domain.ErrNotFound
		}
		return domain.VendorJob{}, fmt.Errorf("postgres: get vendor job for trade %s: %w", tradeID, err)
	}
	return j, nil
}

func jobTimestampCol(to domain.VendorJobStatus) string {
	switch to {
	case domain.JobStatusPaymentSent:
		return ", payment_sent_at = NOW()"
	case domain.JobStatusPaymentConfirmed:
		return ", payment_confirmed_at = NOW()"
	case domain.JobStatusOutForDelivery:
		return ", dispatched_at = NOW()"
	case domain.JobStatusCompleted:
		return ", completed_at = NOW()"
	case domain.JobStatusCancelled, domain.JobStatusPaymentRejected:
		return ", cancelled_at = NOW()"
	}
	return ""
}

// Transition moves the job to `to` only if its status is one of from.
func (s *VendorJobStore) Transition(ctx context.Context, id string, from []domain.VendorJobStatus, to domain.VendorJobStatus, upd domain.VendorJobUpdate) (domain.VendorJob, error) {
	q := db(ctx, s.pool)
	query := `
		UPDATE vendor_jobs
		   SET status = $3, updated_at = NOW()` + jobTimestampCol(to) + `,
		       amount_received = COALESCE($4::numeric, amount_received),
		       bank_reference = COALESCE($5::text, bank_reference),
		       payment_proof_url = COALESCE($6::text, payment_proof_url),
		       cancel_reason = CASE WHEN $7::text = '' THEN cancel_reason ELSE $7::text END
		 WHERE id = $1 AND status = ANY($2)
		RETURNING ` + jobSelectCols

	j, err := scanVendorJob(q.QueryRow(ctx, query,
		id, statusStrings(from), string(to),
		decimalPtrArg(upd.AmountReceived), upd.BankReference, upd.PaymentProofURL, upd.CancelReason,
	))
	if err == nil {
		return j, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.VendorJob{}, resolveMiss(ctx, q, "vendor_jobs", "id", "vendor job", id, string(to))
	}
	return domain.VendorJob{}, fmt.Errorf("postgres: transition vendor job %s -> %s: %w", id, to, err)
}

// ListExpiredStandalone returns jobs not linked to a trade whose expiry has
// passed. Trade-linked jobs expire with their trade.
func (s *VendorJobStore) ListExpiredStandalone(ctx context.Context, now time.Time, statuses []domain.VendorJobStatus, limit int) ([]domain.VendorJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db(ctx, s.pool).Query(ctx,
		`SELECT `+jobSelectCols+` FROM vendor_jobs
		  WHERE trade_id IS NULL AND expires_at <= $1 AND status = ANY($2)
		  ORDER BY expires_at ASC LIMIT $3`, now, statusStrings(statuses), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired vendor jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := scanVendorJobRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expired vendor jobs: %w", err)
	}
	return jobs, nil
}

// ListByUser returns jobs where userID is requester, payer or vendor.
func (s *VendorJobStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.VendorJob, error) {
	query, args := appendListOpts(
		`SELECT `+jobSelectCols+` FROM vendor_jobs
		  WHERE (requester_id = $1 OR payer_id = $1 OR vendor_id = $1)`,
		[]any{userID}, "created_at", opts)

	rows, err := db(ctx, s.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list vendor jobs for %s: %w", userID, err)
	}
	defer rows.Close()

	jobs, err := scanVendorJobRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan vendor jobs: %w", err)
	}
	return jobs, nil
}
