package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates a new EscrowStore backed by the given pool.
func NewEscrowStore(pool *pgxpool.Pool) *EscrowStore {
	return &EscrowStore{pool: pool}
}

// Create inserts an escrow address row.
func (s *EscrowStore) Create(ctx context.Context, e domain.EscrowAddress) error {
	const query = `
		INSERT INTO escrow_addresses (
			id, trade_id, coin, address, wallet_id, expected_amount, status,
			destination_address, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $9)`

	_, err := db(ctx, s.pool).Exec(ctx, query,
		e.ID, e.TradeID, string(e.Coin), e.Address, e.WalletID,
		e.ExpectedAmount.String(), string(e.Status), e.DestinationAddress, e.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("postgres: create escrow for trade %s: %w", e.TradeID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create escrow for trade %s: %w", e.TradeID, err)
	}
	return nil
}

const escrowSelectCols = `id, trade_id, coin, address, wallet_id,
	expected_amount::text, received_amount::text, status,
	destination_address, tx_hash, release_attempts, last_error,
	released_at, created_at, updated_at`

func scanEscrow(scanner interface{ Scan(dest ...any) error }) (domain.EscrowAddress, error) {
	var (
		e        domain.EscrowAddress
		coin, st string
		expected string
		received *string
	)
	err := scanner.Scan(
		&e.ID, &e.TradeID, &coin, &e.Address, &e.WalletID,
		&expected, &received, &st,
		&e.DestinationAddress, &e.TxHash, &e.ReleaseAttempts, &e.LastError,
		&e.ReleasedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.EscrowAddress{}, err
	}
	e.Coin = domain.Coin(coin)
	e.Status = domain.EscrowStatus(st)
	if e.ExpectedAmount, err = parseDecimal(expected); err != nil {
		return domain.EscrowAddress{}, err
	}
	if e.ReceivedAmount, err = parseNullDecimal(received); err != nil {
		return domain.EscrowAddress{}, err
	}
	return e, nil
}

// GetByTradeID retrieves the escrow row of a trade.
func (s *EscrowStore) GetByTradeID(ctx context.Context, tradeID string) (domain.EscrowAddress, error) {
	e, err := scanEscrow(db(ctx, s.pool).QueryRow(ctx,
		`SELECT `+escrowSelectCols+` FROM escrow_addresses WHERE trade_id = $1
		  ORDER BY created_at DESC LIMIT 1`, tradeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.EscrowAddress{}, domain.ErrNotFound
		}
		return domain.EscrowAddress{}, fmt.Errorf("postgres: get escrow for trade %s: %w", tradeID, err)
	}
	return e, nil
}

// Transition moves the escrow row to `to` only if its status is one of
// from. Winning the `releasing` or `refunding` transition is what grants the
// right to call the provider.
func (s *EscrowStore) Transition(ctx context.Context, tradeID string, from []domain.EscrowStatus, to domain.EscrowStatus, upd domain.EscrowUpdate) (domain.EscrowAddress, error) {
	q := db(ctx, s.pool)
	const query = `
		UPDATE escrow_addresses
		   SET status = $3, updated_at = NOW(),
		       destination_address = COALESCE($4::text, destination_address),
		       tx_hash = COALESCE($5::text, tx_hash),
		       received_amount = COALESCE($6::numeric, received_amount),
		       last_error = COALESCE($7::text, last_error),
		       release_attempts = release_attempts + CASE WHEN $8::bool THEN 1 ELSE 0 END,
		       released_at = CASE WHEN $9::bool THEN NOW() ELSE released_at END
		 WHERE trade_id = $1 AND status = ANY($2)
		RETURNING ` + escrowSelectCols

	e, err := scanEscrow(q.QueryRow(ctx, query,
		tradeID, statusStrings(from), string(to),
		upd.DestinationAddress, upd.TxHash, decimalPtrArg(upd.ReceivedAmount), upd.LastError,
		upd.CountAttempt, upd.MarkReleased,
	))
	if err == nil {
		return e, nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EscrowAddress{}, resolveMiss(ctx, q, "escrow_addresses", "trade_id", "escrow", tradeID, string(to))
	}
	return domain.EscrowAddress{}, fmt.Errorf("postgres: transition escrow %s -> %s: %w", tradeID, to, err)
}

// ListByStatus returns escrow rows in status, oldest update first.
func (s *EscrowStore) ListByStatus(ctx context.Context, status domain.EscrowStatus, limit int) ([]domain.EscrowAddress, error) {
	return s.list(ctx, `WHERE status = $1`, string(status), limit)
}

// ListAwaitingDeposit returns pending rows with a parked release destination,
// oldest update first.
func (s *EscrowStore) ListAwaitingDeposit(ctx context.Context, limit int) ([]domain.EscrowAddress, error) {
	return s.list(ctx, `WHERE status = $1 AND destination_address <> ''`, string(domain.EscrowPending), limit)
}

func (s *EscrowStore) list(ctx context.Context, where, status string, limit int) ([]domain.EscrowAddress, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db(ctx, s.pool).Query(ctx,
		`SELECT `+escrowSelectCols+` FROM escrow_addresses `+where+` ORDER BY updated_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list escrow %s: %w", status, err)
	}
	defer rows.Close()

	var out []domain.EscrowAddress
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
