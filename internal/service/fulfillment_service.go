package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// FulfillmentConfig holds the cash delivery parameters.
type FulfillmentConfig struct {
	ProofPrefix   string
	MaxProofBytes int64
	CashOrderTTL  time.Duration
}

// CashOrderRequest is the input of CreateCashOrder.
type CashOrderRequest struct {
	USDAmount       decimal.Decimal
	DeliveryType    domain.DeliveryType
	DeliveryAddress string
	ContactName     string
	ContactPhone    string
	Notes           string
}

// CashOrderResult describes a created stand-alone cash order.
type CashOrderResult struct {
	Job          domain.VendorJob
	TrackingCode string
	Vendor       domain.Vendor
}

// PaymentProof is an optional receipt attached when the payer marks payment
// sent. Either Body or URL may be set.
type PaymentProof struct {
	Body        io.Reader
	Filename    string
	ContentType string
	URL         string
}

// DeliveryResult reports the outcome of a completion attempt. A code
// mismatch is a result, not an error.
type DeliveryResult struct {
	Success  bool
	Released bool
	TxHash   string
	Message  string
}

// FulfillmentService drives vendor jobs from payment to cash hand-over.
type FulfillmentService struct {
	st      Stores
	trades  *TradeService
	rates   *RateService
	blobs   domain.BlobWriter
	emitter NotificationEmitter
	cfg     FulfillmentConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewFulfillmentService creates a FulfillmentService with all required
// dependencies. blobs may be nil, in which case proofs can only be linked by
// URL.
func NewFulfillmentService(
	st Stores,
	trades *TradeService,
	rates *RateService,
	blobs domain.BlobWriter,
	emitter NotificationEmitter,
	cfg FulfillmentConfig,
	logger *slog.Logger,
) *FulfillmentService {
	if cfg.ProofPrefix == "" {
		cfg.ProofPrefix = "payment-proofs"
	}
	if cfg.MaxProofBytes <= 0 {
		cfg.MaxProofBytes = 5 << 20
	}
	if cfg.CashOrderTTL <= 0 {
		cfg.CashOrderTTL = 24 * time.Hour
	}
	return &FulfillmentService{
		st:      st,
		trades:  trades,
		rates:   rates,
		blobs:   blobs,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "fulfillment_service")),
		now:     time.Now,
	}
}

// CreateCashOrder books a stand-alone cash delivery for a premium user who
// pays the vendor directly.
func (s *FulfillmentService) CreateCashOrder(ctx context.Context, actor domain.Actor, req CashOrderRequest) (CashOrderResult, error) {
	if actor.System || actor.UserID == "" {
		return CashOrderResult{}, domain.ErrUnauthorized
	}
	if !req.USDAmount.IsPositive() {
		return CashOrderResult{}, domain.Invalid("usd_amount", "amount must be positive")
	}
	if err := validateDelivery(&req.DeliveryType, req.DeliveryAddress); err != nil {
		return CashOrderResult{}, err
	}

	p, err := s.st.Profiles.GetByID(ctx, actor.UserID)
	if err != nil {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: profile %s: %w", actor.UserID, err)
	}
	if !p.IsPremium {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: cash orders need premium: %w", domain.ErrForbidden)
	}

	rate, err := s.rates.GetRate(ctx, domain.PairName("USD", s.rates.Fiat()))
	if err != nil {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: usd rate: %w", err)
	}
	vendor, err := s.st.Vendors.PickAvailable(ctx)
	if err != nil {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: pick vendor: %w", err)
	}

	code, err := newVerificationCode()
	if err != nil {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: %w", err)
	}
	tracking, err := newTrackingCode()
	if err != nil {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: %w", err)
	}

	now := s.now().UTC()
	usd := req.USDAmount.Round(2)
	job := domain.VendorJob{
		ID:               uuid.NewString(),
		RequesterID:      actor.UserID,
		PayerID:          actor.UserID,
		VendorID:         vendor.UserID,
		USDAmount:        usd,
		FiatAmount:       usd.Mul(rate.Sell).Round(2),
		DeliveryType:     req.DeliveryType,
		DeliveryAddress:  strings.TrimSpace(req.DeliveryAddress),
		Status:           domain.JobStatusPendingPayment,
		VerificationCode: code,
		ExpiresAt:        now.Add(s.cfg.CashOrderTTL),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	order := domain.CashOrder{
		ID:           uuid.NewString(),
		TrackingCode: tracking,
		VendorJobID:  job.ID,
		UserID:       actor.UserID,
		USDAmount:    job.USDAmount,
		FiatAmount:   job.FiatAmount,
		Status:       job.Status,
		Details: domain.CashOrderDetails{
			ContactName:     req.ContactName,
			ContactPhone:    req.ContactPhone,
			DeliveryAddress: job.DeliveryAddress,
			Notes:           req.Notes,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.st.Jobs.Create(ctx, job); err != nil {
			return err
		}
		if err := s.st.CashOrders.Create(ctx, order); err != nil {
			return err
		}
		return s.st.Audit.Log(ctx, "cash_order_created", map[string]any{
			"job_id":        job.ID,
			"user_id":       actor.UserID,
			"vendor_id":     vendor.UserID,
			"usd_amount":    usd.String(),
			"tracking_code": tracking,
		})
	})
	if err != nil {
		return CashOrderResult{}, fmt.Errorf("fulfillment_service: create cash order: %w", err)
	}

	emit(ctx, s.emitter, vendor.UserID, domain.NotifyJobAssigned, "New cash delivery job",
		fmt.Sprintf("Deliver %s USD", usd.StringFixed(2)), jobData(job))
	s.logger.InfoContext(ctx, "fulfillment_service: cash order created",
		slog.String("job_id", job.ID),
		slog.String("vendor_id", vendor.UserID),
	)
	return CashOrderResult{Job: job, TrackingCode: tracking, Vendor: vendor}, nil
}

// MarkPaymentSent records the payer's transfer to the vendor, optionally with
// a proof of payment.
func (s *FulfillmentService) MarkPaymentSent(ctx context.Context, actor domain.Actor, jobID string, proof PaymentProof) (domain.VendorJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, err
	}
	if !actor.Is(job.PayerID) {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: payment sent %s: %w", jobID, domain.ErrForbidden)
	}
	if !job.Status.CanTransition(domain.JobStatusPaymentSent) {
		return domain.VendorJob{}, &domain.TransitionError{
			Entity: "vendor_job", ID: jobID, Current: string(job.Status), Target: string(domain.JobStatusPaymentSent),
		}
	}

	proofURL, err := s.storeProof(ctx, jobID, proof)
	if err != nil {
		return domain.VendorJob{}, err
	}
	upd := domain.VendorJobUpdate{}
	var urlPtr *string
	if proofURL != "" {
		upd.PaymentProofURL = &proofURL
		urlPtr = &proofURL
	}

	var sent domain.VendorJob
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		sent, err = s.st.Jobs.Transition(ctx, jobID,
			[]domain.VendorJobStatus{domain.JobStatusPendingPayment, domain.JobStatusMerchantAccepted},
			domain.JobStatusPaymentSent, upd)
		if err != nil {
			return err
		}
		if err := syncCashOrder(ctx, s.st.CashOrders, jobID, domain.JobStatusPaymentSent, urlPtr); err != nil {
			return err
		}
		if sent.TradeID == nil {
			return nil
		}
		_, err = s.st.Trades.Transition(ctx, *sent.TradeID,
			[]domain.TradeStatus{domain.TradeStatusAccepted}, domain.TradeStatusPaymentSent, domain.TradeUpdate{})
		return err
	})
	if err != nil {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: payment sent %s: %w", jobID, err)
	}

	data := jobData(sent)
	if proofURL != "" {
		data["payment_proof_url"] = proofURL
	}
	emit(ctx, s.emitter, sent.VendorID, domain.NotifyPaymentSent, "Payment sent",
		fmt.Sprintf("%s %s was sent to your account", sent.FiatAmount.StringFixed(2), s.rates.Fiat()), data)
	return sent.Redacted(), nil
}

// storeProof uploads the proof body, or passes a supplied URL through.
func (s *FulfillmentService) storeProof(ctx context.Context, jobID string, proof PaymentProof) (string, error) {
	if proof.Body == nil {
		return strings.TrimSpace(proof.URL), nil
	}
	if s.blobs == nil {
		return "", domain.Invalid("payment_proof", "proof uploads are not enabled")
	}

	body, err := io.ReadAll(io.LimitReader(proof.Body, s.cfg.MaxProofBytes+1))
	if err != nil {
		return "", fmt.Errorf("fulfillment_service: read proof: %w", err)
	}
	if int64(len(body)) > s.cfg.MaxProofBytes {
		return "", domain.Invalid("payment_proof", fmt.Sprintf("proof must be at most %d bytes", s.cfg.MaxProofBytes))
	}
	if len(body) == 0 {
		return "", domain.Invalid("payment_proof", "proof is empty")
	}

	key := path.Join(s.cfg.ProofPrefix, jobID, uuid.NewString()+proofExt(proof.Filename, proof.ContentType))
	contentType := proof.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blobs.Put(ctx, key, bytes.NewReader(body), contentType); err != nil {
		return "", fmt.Errorf("fulfillment_service: upload proof: %w", err)
	}
	return s.blobs.URL(key), nil
}

func proofExt(filename, contentType string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" && len(ext) <= 6 {
		return ext
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// ConfirmPaymentReceived is the vendor acknowledging the transfer. Calling it
// again overwrites the amount and reference.
func (s *FulfillmentService) ConfirmPaymentReceived(ctx context.Context, actor domain.Actor, jobID string, amount decimal.Decimal, reference string) (domain.VendorJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, err
	}
	if !actor.Is(job.VendorID) {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: confirm payment %s: %w", jobID, domain.ErrForbidden)
	}
	if !amount.IsPositive() {
		return domain.VendorJob{}, domain.Invalid("amount", "received amount must be positive")
	}
	reference = strings.TrimSpace(reference)

	var confirmed domain.VendorJob
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		confirmed, err = s.st.Jobs.Transition(ctx, jobID,
			domain.JobSourcesFor(domain.JobStatusPaymentConfirmed), domain.JobStatusPaymentConfirmed,
			domain.VendorJobUpdate{AmountReceived: &amount, BankReference: &reference})
		if err != nil {
			return err
		}
		if err := syncCashOrder(ctx, s.st.CashOrders, jobID, domain.JobStatusPaymentConfirmed, nil); err != nil {
			return err
		}
		if confirmed.TradeID == nil {
			return nil
		}
		// A vendor may confirm without the payer marking payment first. The
		// trade still has to leave accepted so expiry leaves it alone.
		_, err = s.st.Trades.Transition(ctx, *confirmed.TradeID,
			[]domain.TradeStatus{domain.TradeStatusAccepted}, domain.TradeStatusPaymentSent, domain.TradeUpdate{})
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return err
	})
	if err != nil {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: confirm payment %s: %w", jobID, err)
	}

	data := jobData(confirmed)
	data["amount_received"] = amount.String()
	if reference != "" {
		data["bank_reference"] = reference
	}
	msg := fmt.Sprintf("The vendor received %s", amount.StringFixed(2))
	emit(ctx, s.emitter, confirmed.RequesterID, domain.NotifyPaymentConfirmed, "Payment confirmed", msg, data)
	if confirmed.PayerID != confirmed.RequesterID {
		emit(ctx, s.emitter, confirmed.PayerID, domain.NotifyPaymentConfirmed, "Payment confirmed", msg, data)
	}
	return confirmed.Redacted(), nil
}

// RejectPayment is the vendor reporting that no valid payment arrived.
func (s *FulfillmentService) RejectPayment(ctx context.Context, actor domain.Actor, jobID, reason string) (domain.VendorJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, err
	}
	if !actor.Is(job.VendorID) {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: reject payment %s: %w", jobID, domain.ErrForbidden)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "payment not received"
	}

	var rejected domain.VendorJob
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		rejected, err = s.st.Jobs.Transition(ctx, jobID,
			[]domain.VendorJobStatus{domain.JobStatusPaymentSent}, domain.JobStatusPaymentRejected,
			domain.VendorJobUpdate{CancelReason: reason})
		if err != nil {
			return err
		}
		if err := syncCashOrder(ctx, s.st.CashOrders, jobID, domain.JobStatusPaymentRejected, nil); err != nil {
			return err
		}
		if rejected.TradeID == nil {
			return nil
		}
		_, err = s.st.Trades.Transition(ctx, *rejected.TradeID,
			[]domain.TradeStatus{domain.TradeStatusPaymentSent}, domain.TradeStatusPaymentRejected,
			domain.TradeUpdate{CancelReason: reason})
		return err
	})
	if err != nil {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: reject payment %s: %w", jobID, err)
	}

	for _, uid := range uniqueIDs(rejected.RequesterID, rejected.PayerID) {
		emit(ctx, s.emitter, uid, domain.NotifyPaymentRejected, "Payment rejected", reason, jobData(rejected))
	}
	return rejected.Redacted(), nil
}

// StartDelivery marks the cash as dispatched.
func (s *FulfillmentService) StartDelivery(ctx context.Context, actor domain.Actor, jobID string) (domain.VendorJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, err
	}
	if !actor.Is(job.VendorID) {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: start delivery %s: %w", jobID, domain.ErrForbidden)
	}

	var started domain.VendorJob
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		started, err = s.st.Jobs.Transition(ctx, jobID,
			[]domain.VendorJobStatus{domain.JobStatusPaymentConfirmed}, domain.JobStatusOutForDelivery,
			domain.VendorJobUpdate{})
		if err != nil {
			return err
		}
		return syncCashOrder(ctx, s.st.CashOrders, jobID, domain.JobStatusOutForDelivery, nil)
	})
	if err != nil {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: start delivery %s: %w", jobID, err)
	}

	msg := "Your cash is ready for pickup"
	if started.DeliveryType == domain.DeliveryDelivery {
		msg = "Your cash is on its way"
	}
	emit(ctx, s.emitter, started.RequesterID, domain.NotifyOutForDelivery, "Out for delivery", msg, jobData(started))
	return started.Redacted(), nil
}

// CompleteDelivery closes a job when the vendor presents the customer's
// verification code, then releases any escrow held for the linked trade.
func (s *FulfillmentService) CompleteDelivery(ctx context.Context, actor domain.Actor, jobID, code string) (DeliveryResult, error) {
	code = strings.TrimSpace(code)
	if !validCodeFormat(code) {
		return DeliveryResult{}, domain.Invalid("verification_code", "verification code must be 4 to 12 letters or digits")
	}
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return DeliveryResult{}, err
	}
	if !actor.Is(job.VendorID) {
		return DeliveryResult{}, fmt.Errorf("fulfillment_service: complete %s: %w", jobID, domain.ErrForbidden)
	}
	if !codesMatch(code, job.VerificationCode) {
		s.logger.WarnContext(ctx, "fulfillment_service: verification code mismatch",
			slog.String("job_id", jobID),
			slog.String("vendor_id", job.VendorID),
		)
		return DeliveryResult{Message: "verification code does not match"}, nil
	}

	var (
		completed domain.VendorJob
		trade     *domain.Trade
	)
	err = s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		completed, err = s.st.Jobs.Transition(ctx, jobID,
			[]domain.VendorJobStatus{domain.JobStatusPaymentConfirmed, domain.JobStatusOutForDelivery},
			domain.JobStatusCompleted, domain.VendorJobUpdate{})
		if err != nil {
			return err
		}
		if err := syncCashOrder(ctx, s.st.CashOrders, jobID, domain.JobStatusCompleted, nil); err != nil {
			return err
		}
		if completed.TradeID == nil {
			return nil
		}
		t, err := s.completeTrade(ctx, *completed.TradeID)
		if err != nil {
			return err
		}
		trade = &t
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			if current, gErr := s.st.Jobs.GetByID(ctx, jobID); gErr == nil && current.Status == domain.JobStatusCompleted {
				return DeliveryResult{Message: "delivery already completed"}, nil
			}
		}
		return DeliveryResult{}, fmt.Errorf("fulfillment_service: complete %s: %w", jobID, err)
	}

	res := DeliveryResult{Success: true, Message: "delivery completed"}
	if trade != nil {
		e, held, err := s.trades.releaseEscrow(ctx, *trade)
		switch {
		case err != nil:
			res.Message = "delivery completed; crypto release pending"
		case held:
			res.Released = true
			res.TxHash = e.TxHash
			res.Message = "delivery completed; crypto released"
			data := tradeData(*trade)
			data["tx_hash"] = e.TxHash
			emit(ctx, s.emitter, trade.BuyerID, domain.NotifyEscrowReleased, "Crypto released",
				fmt.Sprintf("%s %s was sent to your address", trade.CryptoAmount, trade.CryptoType), data)
		}
	}

	for _, uid := range uniqueIDs(completed.RequesterID, completed.PayerID) {
		emit(ctx, s.emitter, uid, domain.NotifyDeliveryCompleted, "Delivery completed",
			"The cash delivery was completed", jobData(completed))
	}
	s.logger.InfoContext(ctx, "fulfillment_service: delivery completed",
		slog.String("job_id", jobID),
		slog.Bool("released", res.Released),
	)
	return res, nil
}

// completeTrade moves a linked trade to completed. A trade whose payer
// skipped marking payment sent is advanced through payment_sent first.
func (s *FulfillmentService) completeTrade(ctx context.Context, tradeID string) (domain.Trade, error) {
	t, err := s.st.Trades.GetByID(ctx, tradeID)
	if err != nil {
		return domain.Trade{}, err
	}
	if t.Status == domain.TradeStatusAccepted {
		if _, err := s.st.Trades.Transition(ctx, tradeID,
			[]domain.TradeStatus{domain.TradeStatusAccepted}, domain.TradeStatusPaymentSent, domain.TradeUpdate{}); err != nil {
			return domain.Trade{}, err
		}
	}
	return s.st.Trades.Transition(ctx, tradeID,
		[]domain.TradeStatus{domain.TradeStatusPaymentSent}, domain.TradeStatusCompleted, domain.TradeUpdate{})
}

// CancelJob cancels an open job. A linked trade is cancelled with it.
func (s *FulfillmentService) CancelJob(ctx context.Context, actor domain.Actor, jobID, reason string) (domain.VendorJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, err
	}
	if !actor.System && !actor.Is(job.RequesterID) && !actor.Is(job.VendorID) {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: cancel %s: %w", jobID, domain.ErrForbidden)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "cancelled by " + actor.Label()
	}
	return s.cancel(ctx, actor, job, reason, domain.NotifyTradeCancelled)
}

// ExpireJob cancels a stand-alone job whose payment window passed.
func (s *FulfillmentService) ExpireJob(ctx context.Context, job domain.VendorJob) (domain.VendorJob, error) {
	return s.cancel(ctx, domain.SystemActor("sweeper"), job, "expired", domain.NotifyTradeExpired)
}

func (s *FulfillmentService) cancel(ctx context.Context, actor domain.Actor, job domain.VendorJob, reason string, typ domain.NotificationType) (domain.VendorJob, error) {
	if job.TradeID != nil {
		t, err := s.st.Trades.GetByID(ctx, *job.TradeID)
		if err != nil {
			return domain.VendorJob{}, fmt.Errorf("fulfillment_service: trade %s: %w", *job.TradeID, err)
		}
		if !t.Status.Terminal() {
			if _, err := s.trades.CancelTrade(ctx, domain.SystemActor("fulfillment"), t.ID, reason); err != nil {
				return domain.VendorJob{}, fmt.Errorf("fulfillment_service: cancel %s: %w", job.ID, err)
			}
			cancelled, err := s.loadJob(ctx, job.ID)
			if err != nil {
				return domain.VendorJob{}, err
			}
			return cancelled.Redacted(), nil
		}
	}

	var cancelled domain.VendorJob
	err := s.st.Tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		cancelled, err = s.st.Jobs.Transition(ctx, job.ID,
			domain.JobSourcesFor(domain.JobStatusCancelled), domain.JobStatusCancelled,
			domain.VendorJobUpdate{CancelReason: reason})
		if err != nil {
			return err
		}
		return syncCashOrder(ctx, s.st.CashOrders, job.ID, domain.JobStatusCancelled, nil)
	})
	if err != nil {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: cancel %s: %w", job.ID, err)
	}

	for _, uid := range uniqueIDs(cancelled.RequesterID, cancelled.PayerID, cancelled.VendorID) {
		if actor.Is(uid) {
			continue
		}
		emit(ctx, s.emitter, uid, typ, "Cash order cancelled", reason, jobData(cancelled))
	}
	return cancelled.Redacted(), nil
}

// GetJob returns a job visible to the caller. Only the requester sees the
// verification code.
func (s *FulfillmentService) GetJob(ctx context.Context, actor domain.Actor, jobID string) (domain.VendorJob, error) {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, err
	}
	if !actor.System && !job.IsParticipant(actor.UserID) {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: get %s: %w", jobID, domain.ErrForbidden)
	}
	return visibleTo(actor, job), nil
}

// ListJobs returns jobs where the caller is vendor, requester or payer.
func (s *FulfillmentService) ListJobs(ctx context.Context, actor domain.Actor, opts domain.ListOpts) ([]domain.VendorJob, error) {
	if actor.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	jobs, err := s.st.Jobs.ListByUser(ctx, actor.UserID, opts)
	if err != nil {
		return nil, fmt.Errorf("fulfillment_service: list jobs: %w", err)
	}
	for i := range jobs {
		jobs[i] = visibleTo(actor, jobs[i])
	}
	return jobs, nil
}

// TrackCashOrder returns the customer-facing projection for a tracking code.
func (s *FulfillmentService) TrackCashOrder(ctx context.Context, trackingCode string) (domain.CashOrder, error) {
	code := normalizeCode(trackingCode)
	if code == "" {
		return domain.CashOrder{}, domain.Invalid("tracking_code", "tracking code is required")
	}
	o, err := s.st.CashOrders.GetByTrackingCode(ctx, code)
	if err != nil {
		return domain.CashOrder{}, fmt.Errorf("fulfillment_service: track %s: %w", code, err)
	}
	return o, nil
}

func (s *FulfillmentService) loadJob(ctx context.Context, jobID string) (domain.VendorJob, error) {
	job, err := s.st.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.VendorJob{}, fmt.Errorf("fulfillment_service: job %s: %w", jobID, err)
	}
	return job, nil
}

func visibleTo(actor domain.Actor, job domain.VendorJob) domain.VendorJob {
	if actor.Is(job.RequesterID) {
		return job
	}
	return job.Redacted()
}

func uniqueIDs(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
