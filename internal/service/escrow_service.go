package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/chain"
	"github.com/alanyoungcy/cashbridge/internal/domain"
	"github.com/alanyoungcy/cashbridge/internal/notify"
)

// EscrowConfig holds the escrow gateway parameters.
type EscrowConfig struct {
	// Wallets maps each escrow coin to its provider wallet.
	Wallets            map[domain.Coin]domain.WalletRef
	DepositTolerance   int64
	MinConfirmations   int
	MaxReleaseAttempts int
	LockTTL            time.Duration
}

// EscrowService allocates deposit addresses, verifies deposits and moves
// escrowed funds. Every outbound send happens at most once per trade: the
// caller must win a Redis lock and a compare-and-set on the escrow row, and
// the provider dedupes on the sequence id.
type EscrowService struct {
	escrows domain.EscrowStore
	wallet  domain.WalletProvider
	chains  *chain.Registry
	locks   domain.LockManager
	bus     domain.SignalBus
	audit   domain.AuditStore
	alerter Alerter
	cfg     EscrowConfig
	logger  *slog.Logger
}

// NewEscrowService creates an EscrowService with all required dependencies.
func NewEscrowService(
	escrows domain.EscrowStore,
	wallet domain.WalletProvider,
	chains *chain.Registry,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	alerter Alerter,
	cfg EscrowConfig,
	logger *slog.Logger,
) *EscrowService {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.MaxReleaseAttempts <= 0 {
		cfg.MaxReleaseAttempts = 5
	}
	return &EscrowService{
		escrows: escrows,
		wallet:  wallet,
		chains:  chains,
		locks:   locks,
		bus:     bus,
		audit:   audit,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "escrow_service")),
	}
}

// Supports reports whether coin has a configured escrow wallet.
func (s *EscrowService) Supports(coin domain.Coin) bool {
	_, ok := s.cfg.Wallets[coin]
	return ok
}

func (s *EscrowService) walletFor(coin domain.Coin) (domain.WalletRef, error) {
	ref, ok := s.cfg.Wallets[coin]
	if !ok {
		return domain.WalletRef{}, fmt.Errorf("escrow_service: no wallet for %s: %w", coin, domain.ErrUnsupportedCoin)
	}
	return ref, nil
}

// Allocate creates a fresh deposit address for the trade and records it as
// pending. Provider failures propagate and nothing is written.
func (s *EscrowService) Allocate(ctx context.Context, tradeID string, coin domain.Coin, expected decimal.Decimal) (domain.EscrowAddress, error) {
	ref, err := s.walletFor(coin)
	if err != nil {
		return domain.EscrowAddress{}, err
	}
	if !expected.IsPositive() {
		return domain.EscrowAddress{}, domain.Invalid("amount", "escrow amount must be positive")
	}
	if _, err := s.chains.ToBaseUnits(coin, expected); err != nil {
		return domain.EscrowAddress{}, err
	}

	addr, err := s.wallet.CreateAddress(ctx, ref, "trade-"+tradeID)
	if err != nil {
		s.alert(ctx, notify.EventEscrowAllocationFailed, "Escrow allocation failed",
			fmt.Sprintf("trade %s (%s): %v", tradeID, coin, err))
		return domain.EscrowAddress{}, fmt.Errorf("escrow_service: allocate %s: %w", tradeID, err)
	}

	row := domain.EscrowAddress{
		ID:             uuid.NewString(),
		TradeID:        tradeID,
		Coin:           coin,
		Address:        addr,
		WalletID:       ref.WalletID,
		ExpectedAmount: expected,
		Status:         domain.EscrowPending,
	}
	if err := s.escrows.Create(ctx, row); err != nil {
		return domain.EscrowAddress{}, fmt.Errorf("escrow_service: persist escrow %s: %w", tradeID, err)
	}

	s.record(ctx, "escrow_allocated", row, map[string]any{"address": addr, "expected": expected.String()})
	s.logger.InfoContext(ctx, "escrow_service: deposit address allocated",
		slog.String("trade_id", tradeID),
		slog.String("coin", coin.String()),
	)
	return row, nil
}

// VerifyDeposit looks for a confirmed transfer to address within tolerance
// of expected. It never mutates state; a provider failure is an error, not
// an unverified result.
func (s *EscrowService) VerifyDeposit(ctx context.Context, coin domain.Coin, address string, expected decimal.Decimal, txID string) (domain.DepositCheck, error) {
	ref, err := s.walletFor(coin)
	if err != nil {
		return domain.DepositCheck{}, err
	}
	want, err := s.chains.ToBaseUnits(coin, expected)
	if err != nil {
		return domain.DepositCheck{}, err
	}

	transfers, err := s.wallet.ListTransfers(ctx, ref)
	if err != nil {
		return domain.DepositCheck{}, fmt.Errorf("escrow_service: verify deposit %s: %w", address, err)
	}

	check := domain.DepositCheck{Address: address, Expected: want, Received: new(big.Int)}
	tolerance := big.NewInt(s.cfg.DepositTolerance)
	for _, t := range transfers {
		if txID != "" && t.TxID != txID {
			continue
		}
		received := new(big.Int)
		matched := false
		for _, e := range t.Entries {
			if e.Value != nil && sameAddress(e.Address, address) {
				received.Add(received, e.Value)
				matched = true
			}
		}
		if !matched {
			continue
		}

		candidate := domain.DepositCheck{
			Address:       address,
			TxID:          t.TxID,
			Expected:      want,
			Received:      received,
			Confirmations: t.Confirmations,
			Confirmed:     t.Confirmed(),
		}
		diff := new(big.Int).Sub(received, want)
		if diff.Abs(diff).Cmp(tolerance) <= 0 && candidate.Confirmed && t.Confirmations >= s.cfg.MinConfirmations {
			candidate.Verified = true
			return candidate, nil
		}
		check = candidate
	}
	return check, nil
}

func sameAddress(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(a, "0X") {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// ConfirmDeposit verifies the trade's deposit and marks the escrow funded.
// An unverified deposit leaves the row untouched and is reported through
// the returned check.
func (s *EscrowService) ConfirmDeposit(ctx context.Context, tradeID, txID string) (domain.EscrowAddress, domain.DepositCheck, error) {
	row, err := s.escrows.GetByTradeID(ctx, tradeID)
	if err != nil {
		return domain.EscrowAddress{}, domain.DepositCheck{}, fmt.Errorf("escrow_service: escrow %s: %w", tradeID, err)
	}
	if row.Status == domain.EscrowFunded {
		return row, domain.DepositCheck{Verified: true, Address: row.Address, TxID: txID}, nil
	}
	if row.Status != domain.EscrowPending {
		return row, domain.DepositCheck{}, &domain.TransitionError{
			Entity: "escrow", ID: tradeID, Current: string(row.Status), Target: string(domain.EscrowFunded),
		}
	}

	check, err := s.VerifyDeposit(ctx, row.Coin, row.Address, row.ExpectedAmount, txID)
	if err != nil {
		return row, domain.DepositCheck{}, err
	}
	if !check.Verified {
		return row, check, nil
	}
	funded, err := s.markFunded(ctx, row, check)
	if err != nil {
		return row, check, err
	}

	// A release that was blocked on this deposit goes out now.
	if funded.DestinationAddress != "" {
		released, err := s.Release(ctx, tradeID, funded.DestinationAddress)
		if err != nil {
			s.logger.WarnContext(ctx, "escrow_service: deferred release failed",
				slog.String("trade_id", tradeID),
				slog.String("error", err.Error()),
			)
			return funded, check, nil
		}
		return released, check, nil
	}
	return funded, check, nil
}

func (s *EscrowService) markFunded(ctx context.Context, row domain.EscrowAddress, check domain.DepositCheck) (domain.EscrowAddress, error) {
	received, err := s.chains.FromBaseUnits(row.Coin, check.Received)
	if err != nil {
		return row, err
	}
	funded, err := s.escrows.Transition(ctx, row.TradeID,
		[]domain.EscrowStatus{domain.EscrowPending}, domain.EscrowFunded,
		domain.EscrowUpdate{ReceivedAmount: &received})
	if err != nil {
		return row, fmt.Errorf("escrow_service: mark funded %s: %w", row.TradeID, err)
	}
	s.record(ctx, "escrow_funded", funded, map[string]any{"tx_id": check.TxID, "received": received.String()})
	return funded, nil
}

// awaitDeposit checks the provider for a pending row's deposit. A verified
// deposit marks the row funded. Otherwise destination is parked on the row
// so the release goes out once the deposit is confirmed, and
// ErrDepositNotReceived is returned.
func (s *EscrowService) awaitDeposit(ctx context.Context, row domain.EscrowAddress, destination string) (domain.EscrowAddress, error) {
	check, err := s.VerifyDeposit(ctx, row.Coin, row.Address, row.ExpectedAmount, "")
	if err != nil {
		return row, err
	}
	if check.Verified {
		return s.markFunded(ctx, row, check)
	}

	firstBlock := row.DestinationAddress == ""
	parked, err := s.escrows.Transition(ctx, row.TradeID,
		[]domain.EscrowStatus{domain.EscrowPending}, domain.EscrowPending,
		domain.EscrowUpdate{DestinationAddress: &destination})
	if err != nil {
		return row, fmt.Errorf("escrow_service: park release %s: %w", row.TradeID, err)
	}
	if firstBlock {
		s.record(ctx, "escrow_release_blocked", parked, map[string]any{
			"destination": destination,
			"received":    check.Received.String(),
		})
		s.alert(ctx, notify.EventDepositMissing, "Escrow release blocked",
			fmt.Sprintf("trade %s: release requested but the %s deposit to %s has not been received",
				row.TradeID, row.Coin, row.Address))
	}
	return parked, fmt.Errorf("escrow_service: release %s: %w", row.TradeID, domain.ErrDepositNotReceived)
}

// Release sends the escrowed amount to destination. Only a funded row pays
// out: a pending row is first checked against the provider and, without a
// verified deposit, fails with ErrDepositNotReceived and no send. An already
// released row is returned without another provider call. On provider
// failure the row is parked in release_failed for the retrier and the error
// is returned.
func (s *EscrowService) Release(ctx context.Context, tradeID, destination string) (domain.EscrowAddress, error) {
	row, err := s.escrows.GetByTradeID(ctx, tradeID)
	if err != nil {
		return domain.EscrowAddress{}, fmt.Errorf("escrow_service: escrow %s: %w", tradeID, err)
	}
	if row.Status == domain.EscrowReleased {
		return row, nil
	}

	destination = strings.TrimSpace(destination)
	if destination == "" {
		destination = row.DestinationAddress
	}
	if destination == "" {
		return row, domain.Invalid("release_address", "a release address is required")
	}
	if err := s.chains.ValidateAddress(row.Coin, destination); err != nil {
		return row, err
	}

	unlock, err := s.locks.Acquire(ctx, "escrow:release:"+tradeID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return row, fmt.Errorf("escrow_service: release %s: %w", tradeID, domain.ErrReleaseInProgress)
		}
		return row, fmt.Errorf("escrow_service: release lock %s: %w", tradeID, err)
	}
	defer unlock()

	row, err = s.escrows.GetByTradeID(ctx, tradeID)
	if err != nil {
		return domain.EscrowAddress{}, fmt.Errorf("escrow_service: escrow %s: %w", tradeID, err)
	}
	if row.Status == domain.EscrowPending {
		if row, err = s.awaitDeposit(ctx, row, destination); err != nil {
			return row, err
		}
	}

	claimed, err := s.escrows.Transition(ctx, tradeID,
		[]domain.EscrowStatus{domain.EscrowFunded, domain.EscrowReleaseFailed},
		domain.EscrowReleasing,
		domain.EscrowUpdate{DestinationAddress: &destination, CountAttempt: true})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			current, getErr := s.escrows.GetByTradeID(ctx, tradeID)
			if getErr == nil && current.Status == domain.EscrowReleased {
				return current, nil
			}
			if getErr == nil && current.Status == domain.EscrowReleasing {
				return current, fmt.Errorf("escrow_service: release %s: %w", tradeID, domain.ErrReleaseInProgress)
			}
		}
		return row, fmt.Errorf("escrow_service: claim release %s: %w", tradeID, err)
	}

	res, err := s.send(ctx, claimed, destination, "release-"+tradeID)
	if err != nil {
		msg := err.Error()
		failed, tErr := s.escrows.Transition(ctx, tradeID,
			[]domain.EscrowStatus{domain.EscrowReleasing}, domain.EscrowReleaseFailed,
			domain.EscrowUpdate{LastError: &msg})
		if tErr != nil {
			s.logger.ErrorContext(ctx, "escrow_service: could not park failed release",
				slog.String("trade_id", tradeID),
				slog.String("error", tErr.Error()),
			)
			failed = claimed
		}
		s.record(ctx, "escrow_release_failed", failed, map[string]any{"error": msg, "attempt": failed.ReleaseAttempts})
		s.alert(ctx, notify.EventReleaseFailed, "Escrow release failed",
			fmt.Sprintf("trade %s attempt %d: %s", tradeID, failed.ReleaseAttempts, msg))
		return failed, fmt.Errorf("escrow_service: release %s: %w", tradeID, err)
	}

	released, err := s.escrows.Transition(ctx, tradeID,
		[]domain.EscrowStatus{domain.EscrowReleasing}, domain.EscrowReleased,
		domain.EscrowUpdate{TxHash: &res.TxID, MarkReleased: true})
	if err != nil {
		// Funds left the wallet; the row must not be retried blindly.
		s.alert(ctx, notify.EventReleaseFailed, "Escrow release not recorded",
			fmt.Sprintf("trade %s sent in tx %s but the row could not be updated: %v", tradeID, res.TxID, err))
		return claimed, fmt.Errorf("escrow_service: record release %s: %w", tradeID, err)
	}

	s.record(ctx, "escrow_released", released, map[string]any{"tx_hash": res.TxID, "destination": destination})
	s.logger.InfoContext(ctx, "escrow_service: funds released",
		slog.String("trade_id", tradeID),
		slog.String("tx_hash", res.TxID),
	)
	return released, nil
}

// Refund returns escrow to the seller. A never-funded row is simply
// cancelled. A funded row without a refund address stays funded and
// operators are alerted.
func (s *EscrowService) Refund(ctx context.Context, tradeID, refundAddress string) (domain.EscrowAddress, error) {
	row, err := s.escrows.GetByTradeID(ctx, tradeID)
	if err != nil {
		return domain.EscrowAddress{}, fmt.Errorf("escrow_service: escrow %s: %w", tradeID, err)
	}

	switch row.Status {
	case domain.EscrowReleased, domain.EscrowRefunded, domain.EscrowCancelled:
		return row, nil
	case domain.EscrowPending:
		row, err = s.escrows.Transition(ctx, tradeID,
			[]domain.EscrowStatus{domain.EscrowPending}, domain.EscrowCancelled, domain.EscrowUpdate{})
		if err != nil {
			return row, fmt.Errorf("escrow_service: cancel escrow %s: %w", tradeID, err)
		}
		s.record(ctx, "escrow_cancelled", row, nil)
		return row, nil
	case domain.EscrowFunded:
	default:
		return row, &domain.TransitionError{
			Entity: "escrow", ID: tradeID, Current: string(row.Status), Target: string(domain.EscrowRefunding),
		}
	}

	refundAddress = strings.TrimSpace(refundAddress)
	if refundAddress == "" {
		s.alert(ctx, notify.EventRefundRequired, "Escrow refund needs an address",
			fmt.Sprintf("trade %s holds %s %s with no refund address", tradeID, row.ExpectedAmount, row.Coin))
		return row, nil
	}
	if err := s.chains.ValidateAddress(row.Coin, refundAddress); err != nil {
		return row, err
	}

	unlock, err := s.locks.Acquire(ctx, "escrow:release:"+tradeID, s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return row, fmt.Errorf("escrow_service: refund %s: %w", tradeID, domain.ErrReleaseInProgress)
		}
		return row, fmt.Errorf("escrow_service: refund lock %s: %w", tradeID, err)
	}
	defer unlock()

	claimed, err := s.escrows.Transition(ctx, tradeID,
		[]domain.EscrowStatus{domain.EscrowFunded}, domain.EscrowRefunding,
		domain.EscrowUpdate{DestinationAddress: &refundAddress, CountAttempt: true})
	if err != nil {
		return row, fmt.Errorf("escrow_service: claim refund %s: %w", tradeID, err)
	}

	res, err := s.send(ctx, claimed, refundAddress, "refund-"+tradeID)
	if err != nil {
		msg := err.Error()
		if _, tErr := s.escrows.Transition(ctx, tradeID,
			[]domain.EscrowStatus{domain.EscrowRefunding}, domain.EscrowFunded,
			domain.EscrowUpdate{LastError: &msg}); tErr != nil {
			s.logger.ErrorContext(ctx, "escrow_service: could not reset failed refund",
				slog.String("trade_id", tradeID),
				slog.String("error", tErr.Error()),
			)
		}
		s.alert(ctx, notify.EventRefundRequired, "Escrow refund failed",
			fmt.Sprintf("trade %s: %s", tradeID, msg))
		return claimed, fmt.Errorf("escrow_service: refund %s: %w", tradeID, err)
	}

	refunded, err := s.escrows.Transition(ctx, tradeID,
		[]domain.EscrowStatus{domain.EscrowRefunding}, domain.EscrowRefunded,
		domain.EscrowUpdate{TxHash: &res.TxID})
	if err != nil {
		s.alert(ctx, notify.EventRefundRequired, "Escrow refund not recorded",
			fmt.Sprintf("trade %s refunded in tx %s but the row could not be updated: %v", tradeID, res.TxID, err))
		return claimed, fmt.Errorf("escrow_service: record refund %s: %w", tradeID, err)
	}
	s.record(ctx, "escrow_refunded", refunded, map[string]any{"tx_hash": res.TxID, "destination": refundAddress})
	return refunded, nil
}

// RetryFailedReleases re-drives release_failed rows that still have attempts
// left, using their stored destination, then re-checks releases blocked on
// a missing deposit. It returns how many were released.
func (s *EscrowService) RetryFailedReleases(ctx context.Context) (int, error) {
	rows, err := s.escrows.ListByStatus(ctx, domain.EscrowReleaseFailed, 100)
	if err != nil {
		return 0, fmt.Errorf("escrow_service: list failed releases: %w", err)
	}

	released := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		if row.ReleaseAttempts >= s.cfg.MaxReleaseAttempts {
			s.logger.WarnContext(ctx, "escrow_service: release attempts exhausted",
				slog.String("trade_id", row.TradeID),
				slog.Int("attempts", row.ReleaseAttempts),
			)
			continue
		}
		if _, err := s.Release(ctx, row.TradeID, row.DestinationAddress); err != nil {
			s.logger.WarnContext(ctx, "escrow_service: retry release failed",
				slog.String("trade_id", row.TradeID),
				slog.String("error", err.Error()),
			)
			continue
		}
		released++
	}
	return released + s.retryBlockedReleases(ctx), nil
}

// retryBlockedReleases releases pending rows whose deposit has arrived since
// their release was blocked.
func (s *EscrowService) retryBlockedReleases(ctx context.Context) int {
	rows, err := s.escrows.ListAwaitingDeposit(ctx, 100)
	if err != nil {
		s.logger.WarnContext(ctx, "escrow_service: list blocked releases", slog.String("error", err.Error()))
		return 0
	}
	released := 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		_, err := s.Release(ctx, row.TradeID, row.DestinationAddress)
		switch {
		case err == nil:
			released++
		case errors.Is(err, domain.ErrDepositNotReceived):
			s.logger.DebugContext(ctx, "escrow_service: deposit still missing", slog.String("trade_id", row.TradeID))
		default:
			s.logger.WarnContext(ctx, "escrow_service: blocked release failed",
				slog.String("trade_id", row.TradeID),
				slog.String("error", err.Error()),
			)
		}
	}
	return released
}

// send moves the row's expected amount to destination with an idempotent
// sequence id.
func (s *EscrowService) send(ctx context.Context, row domain.EscrowAddress, destination, sequenceID string) (domain.SendResult, error) {
	ref, err := s.walletFor(row.Coin)
	if err != nil {
		return domain.SendResult{}, err
	}
	if row.WalletID != "" {
		ref.WalletID = row.WalletID
	}
	amount, err := s.chains.ToBaseUnits(row.Coin, row.ExpectedAmount)
	if err != nil {
		return domain.SendResult{}, err
	}
	return s.wallet.SendCoins(ctx, ref, domain.SendRequest{
		Address:    destination,
		Amount:     amount,
		SequenceID: sequenceID,
		Comment:    "cashbridge trade " + row.TradeID,
	})
}

// record writes the audit entry and appends to the escrow event stream.
// Both are best effort.
func (s *EscrowService) record(ctx context.Context, event string, row domain.EscrowAddress, extra map[string]any) {
	detail := map[string]any{
		"trade_id": row.TradeID,
		"coin":     row.Coin.String(),
		"status":   string(row.Status),
	}
	for k, v := range extra {
		detail[k] = v
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "escrow_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}

	detail["event"] = event
	payload, _ := json.Marshal(detail)
	if err := s.bus.StreamAppend(ctx, domain.StreamEscrowEvents, payload); err != nil {
		s.logger.WarnContext(ctx, "escrow_service: stream append failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Events reads the escrow event stream after afterID ("0" for the start).
func (s *EscrowService) Events(ctx context.Context, afterID string, limit int) ([]domain.StreamMessage, error) {
	if afterID == "" {
		afterID = "0"
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	msgs, err := s.bus.StreamRead(ctx, domain.StreamEscrowEvents, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow_service: read events: %w", err)
	}
	return msgs, nil
}

// AuditTrail returns the audit entries recorded for one trade's escrow,
// newest first.
func (s *EscrowService) AuditTrail(ctx context.Context, tradeID string, limit int) ([]domain.AuditEntry, error) {
	if tradeID == "" {
		return nil, fmt.Errorf("%w: trade id is required", domain.ErrValidation)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	entries, err := s.audit.List(ctx, domain.AuditFilter{
		TradeID:  tradeID,
		Event:    "escrow_*",
		ListOpts: domain.ListOpts{Limit: limit},
	})
	if err != nil {
		return nil, fmt.Errorf("escrow_service: audit trail %s: %w", tradeID, err)
	}
	return entries, nil
}

func (s *EscrowService) alert(ctx context.Context, event, title, message string) {
	if s.alerter == nil {
		return
	}
	if err := s.alerter.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "escrow_service: operator alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
