package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cashbridge/internal/chain"
	"github.com/alanyoungcy/cashbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func bigInt(v int64) *big.Int { return big.NewInt(v) }

// passTx runs fn directly; the fakes apply writes immediately.
type passTx struct{}

func (passTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type memProfiles struct {
	mu sync.Mutex
	m  map[string]domain.Profile
}

func newMemProfiles(ps ...domain.Profile) *memProfiles {
	s := &memProfiles{m: map[string]domain.Profile{}}
	for _, p := range ps {
		s.m[p.ID] = p
	}
	return s
}

func (s *memProfiles) GetByID(_ context.Context, id string) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memProfiles) SetMerchant(_ context.Context, id string, enabled bool) (domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return domain.Profile{}, domain.ErrNotFound
	}
	p.IsMerchant, p.MerchantMode = enabled, enabled
	s.m[id] = p
	return p, nil
}

func (s *memProfiles) DebitCredits(_ context.Context, id string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	if p.CreditsBalance < amount {
		return p.CreditsBalance, domain.ErrInsufficientCredits
	}
	p.CreditsBalance -= amount
	s.m[id] = p
	return p.CreditsBalance, nil
}

func (s *memProfiles) RefundCredits(_ context.Context, id string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.m[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	p.CreditsBalance += amount
	s.m[id] = p
	return p.CreditsBalance, nil
}

func (s *memProfiles) ListMerchants(_ context.Context) ([]domain.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Profile
	for _, p := range s.m {
		if p.IsMerchant {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memProfiles) credits(id string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[id].CreditsBalance
}

type memMerchants struct {
	mu       sync.Mutex
	profiles *memProfiles
	settings map[string]domain.MerchantSettings
	getErr   error
}

func newMemMerchants(profiles *memProfiles, ss ...domain.MerchantSettings) *memMerchants {
	s := &memMerchants{profiles: profiles, settings: map[string]domain.MerchantSettings{}}
	for _, ms := range ss {
		s.settings[ms.UserID] = ms
	}
	return s
}

func (s *memMerchants) EnsureSettings(_ context.Context, ms domain.MerchantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[ms.UserID]; !ok {
		s.settings[ms.UserID] = ms
	}
	return nil
}

func (s *memMerchants) UpsertSettings(_ context.Context, ms domain.MerchantSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[ms.UserID] = ms
	return nil
}

func (s *memMerchants) GetSettings(_ context.Context, userID string) (domain.MerchantSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.MerchantSettings{}, s.getErr
	}
	ms, ok := s.settings[userID]
	if !ok {
		return domain.MerchantSettings{}, domain.ErrNotFound
	}
	return ms, nil
}

func (s *memMerchants) ListViews(ctx context.Context) ([]domain.MerchantView, error) {
	profiles, _ := s.profiles.ListMerchants(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.MerchantView
	for _, p := range profiles {
		if ms, ok := s.settings[p.ID]; ok {
			out = append(out, merchantView(p, ms))
		}
	}
	slices.SortFunc(out, func(a, b domain.MerchantView) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *memMerchants) GetView(ctx context.Context, userID string) (domain.MerchantView, error) {
	p, err := s.profiles.GetByID(ctx, userID)
	if err != nil {
		return domain.MerchantView{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.settings[userID]
	if !ok || !p.IsMerchant {
		return domain.MerchantView{}, domain.ErrNotFound
	}
	return merchantView(p, ms), nil
}

func merchantView(p domain.Profile, ms domain.MerchantSettings) domain.MerchantView {
	return domain.MerchantView{
		UserID:             p.ID,
		DisplayName:        p.DisplayName,
		Rating:             p.Rating,
		CompletedTrades:    p.CompletedTrades,
		IsMerchant:         p.IsMerchant,
		MerchantMode:       p.MerchantMode,
		Online:             ms.Online,
		AutoAccept:         ms.AutoAccept,
		AvgResponseSeconds: ms.AvgResponseSeconds,
		PaymentMethods:     ms.PaymentMethods,
		BuyRates:           ms.BuyRates,
		SellRates:          ms.SellRates,
		MinTradeUSD:        ms.MinTradeUSD,
		MaxTradeUSD:        ms.MaxTradeUSD,
	}
}

type memVendors struct {
	vendors []domain.Vendor
}

func (s *memVendors) GetByID(_ context.Context, userID string) (domain.Vendor, error) {
	for _, v := range s.vendors {
		if v.UserID == userID {
			return v, nil
		}
	}
	return domain.Vendor{}, domain.ErrNotFound
}

func (s *memVendors) PickAvailable(_ context.Context) (domain.Vendor, error) {
	for _, v := range s.vendors {
		if v.Active {
			return v, nil
		}
	}
	return domain.Vendor{}, domain.ErrNoVendorAvailable
}

type memTrades struct {
	mu sync.Mutex
	m  map[string]domain.Trade
}

func newMemTrades() *memTrades { return &memTrades{m: map[string]domain.Trade{}} }

func (s *memTrades) Create(_ context.Context, t domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[t.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.m[t.ID] = t
	return nil
}

func (s *memTrades) GetByID(_ context.Context, id string) (domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *memTrades) Transition(_ context.Context, id string, from []domain.TradeStatus, to domain.TradeStatus, upd domain.TradeUpdate) (domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	if !slices.Contains(from, t.Status) {
		return domain.Trade{}, &domain.TransitionError{Entity: "trade", ID: id, Current: string(t.Status), Target: string(to)}
	}
	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case domain.TradeStatusAccepted:
		t.AcceptedAt = &now
	case domain.TradeStatusPaymentSent:
		t.PaymentSentAt = &now
	case domain.TradeStatusCompleted:
		t.CompletedAt = &now
	case domain.TradeStatusCancelled, domain.TradeStatusRejected:
		t.CancelledAt = &now
	}
	if upd.ReleaseAddress != nil {
		t.ReleaseAddress = *upd.ReleaseAddress
	}
	if upd.CancelReason != "" {
		t.CancelReason = upd.CancelReason
	}
	s.m[id] = t
	return t, nil
}

func (s *memTrades) ListExpired(_ context.Context, now time.Time, statuses []domain.TradeStatus, limit int) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, t := range s.m {
		if t.ExpiresAt.Before(now) && slices.Contains(statuses, t.Status) && len(out) < limit {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTrades) ListByUser(_ context.Context, userID string, _ domain.ListOpts) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, t := range s.m {
		if t.IsParticipant(userID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTrades) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

type memJobs struct {
	mu sync.Mutex
	m  map[string]domain.VendorJob
}

func newMemJobs() *memJobs { return &memJobs{m: map[string]domain.VendorJob{}} }

func (s *memJobs) Create(_ context.Context, j domain.VendorJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[j.ID] = j
	return nil
}

func (s *memJobs) GetByID(_ context.Context, id string) (domain.VendorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok {
		return domain.VendorJob{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *memJobs) GetByTradeID(_ context.Context, tradeID string) (domain.VendorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.m {
		if j.TradeID != nil && *j.TradeID == tradeID {
			return j, nil
		}
	}
	return domain.VendorJob{}, domain.ErrNotFound
}

func (s *memJobs) Transition(_ context.Context, id string, from []domain.VendorJobStatus, to domain.VendorJobStatus, upd domain.VendorJobUpdate) (domain.VendorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok {
		return domain.VendorJob{}, domain.ErrNotFound
	}
	if !slices.Contains(from, j.Status) {
		return domain.VendorJob{}, &domain.TransitionError{Entity: "vendor_job", ID: id, Current: string(j.Status), Target: string(to)}
	}
	now := time.Now().UTC()
	j.Status = to
	j.UpdatedAt = now
	switch to {
	case domain.JobStatusPaymentSent:
		j.PaymentSentAt = &now
	case domain.JobStatusPaymentConfirmed:
		j.PaymentConfirmedAt = &now
	case domain.JobStatusOutForDelivery:
		j.DispatchedAt = &now
	case domain.JobStatusCompleted:
		j.CompletedAt = &now
	case domain.JobStatusCancelled:
		j.CancelledAt = &now
	}
	if upd.AmountReceived != nil {
		j.AmountReceived = decimal.NewNullDecimal(*upd.AmountReceived)
	}
	if upd.BankReference != nil {
		j.BankReference = *upd.BankReference
	}
	if upd.PaymentProofURL != nil {
		j.PaymentProofURL = *upd.PaymentProofURL
	}
	if upd.CancelReason != "" {
		j.CancelReason = upd.CancelReason
	}
	s.m[id] = j
	return j, nil
}

func (s *memJobs) ListExpiredStandalone(_ context.Context, now time.Time, statuses []domain.VendorJobStatus, limit int) ([]domain.VendorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VendorJob
	for _, j := range s.m {
		if j.TradeID == nil && j.ExpiresAt.Before(now) && slices.Contains(statuses, j.Status) && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memJobs) ListByUser(_ context.Context, userID string, _ domain.ListOpts) ([]domain.VendorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.VendorJob
	for _, j := range s.m {
		if j.IsParticipant(userID) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memJobs) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

type memOrders struct {
	mu    sync.Mutex
	byJob map[string]domain.CashOrder
}

func newMemOrders() *memOrders { return &memOrders{byJob: map[string]domain.CashOrder{}} }

func (s *memOrders) Create(_ context.Context, o domain.CashOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byJob[o.VendorJobID] = o
	return nil
}

func (s *memOrders) GetByTrackingCode(_ context.Context, code string) (domain.CashOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.byJob {
		if o.TrackingCode == code {
			return o, nil
		}
	}
	return domain.CashOrder{}, domain.ErrNotFound
}

func (s *memOrders) GetByVendorJobID(_ context.Context, jobID string) (domain.CashOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byJob[jobID]
	if !ok {
		return domain.CashOrder{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memOrders) SyncStatus(_ context.Context, jobID string, status domain.VendorJobStatus, proofURL *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byJob[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	if proofURL != nil {
		o.PaymentProofURL = *proofURL
	}
	s.byJob[jobID] = o
	return nil
}

type memEscrows struct {
	mu sync.Mutex
	m  map[string]domain.EscrowAddress
}

func newMemEscrows() *memEscrows { return &memEscrows{m: map[string]domain.EscrowAddress{}} }

func (s *memEscrows) Create(_ context.Context, e domain.EscrowAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[e.TradeID]; ok {
		return domain.ErrAlreadyExists
	}
	s.m[e.TradeID] = e
	return nil
}

func (s *memEscrows) GetByTradeID(_ context.Context, tradeID string) (domain.EscrowAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[tradeID]
	if !ok {
		return domain.EscrowAddress{}, domain.ErrNotFound
	}
	return e, nil
}

func (s *memEscrows) Transition(_ context.Context, tradeID string, from []domain.EscrowStatus, to domain.EscrowStatus, upd domain.EscrowUpdate) (domain.EscrowAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[tradeID]
	if !ok {
		return domain.EscrowAddress{}, domain.ErrNotFound
	}
	if !slices.Contains(from, e.Status) {
		return domain.EscrowAddress{}, &domain.TransitionError{Entity: "escrow", ID: tradeID, Current: string(e.Status), Target: string(to)}
	}
	e.Status = to
	if upd.DestinationAddress != nil {
		e.DestinationAddress = *upd.DestinationAddress
	}
	if upd.TxHash != nil {
		e.TxHash = *upd.TxHash
	}
	if upd.ReceivedAmount != nil {
		e.ReceivedAmount = decimal.NewNullDecimal(*upd.ReceivedAmount)
	}
	if upd.LastError != nil {
		e.LastError = *upd.LastError
	}
	if upd.CountAttempt {
		e.ReleaseAttempts++
	}
	if upd.MarkReleased {
		now := time.Now().UTC()
		e.ReleasedAt = &now
	}
	s.m[tradeID] = e
	return e, nil
}

func (s *memEscrows) ListByStatus(_ context.Context, status domain.EscrowStatus, limit int) ([]domain.EscrowAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EscrowAddress
	for _, e := range s.m {
		if e.Status == status && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEscrows) ListAwaitingDeposit(_ context.Context, limit int) ([]domain.EscrowAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EscrowAddress
	for _, e := range s.m {
		if e.Status == domain.EscrowPending && e.DestinationAddress != "" && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memEscrows) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *memAudit) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{ID: int64(len(s.entries) + 1), Event: event, Detail: detail})
	return nil
}

func (s *memAudit) List(_ context.Context, f domain.AuditFilter) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if f.TradeID != "" && e.Detail["trade_id"] != f.TradeID {
			continue
		}
		if prefix, ok := strings.CutSuffix(f.Event, "*"); ok {
			if !strings.HasPrefix(e.Event, prefix) {
				continue
			}
		} else if f.Event != "" && e.Event != f.Event {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memAudit) has(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.entries, func(e domain.AuditEntry) bool { return e.Event == event })
}

type memRates struct {
	mu    sync.Mutex
	m     map[string]domain.Rate
	reads int
}

func newMemRates(rs ...domain.Rate) *memRates {
	s := &memRates{m: map[string]domain.Rate{}}
	for _, r := range rs {
		s.m[r.Pair] = r
	}
	return s
}

func (s *memRates) Get(_ context.Context, pair string) (domain.Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	r, ok := s.m[pair]
	if !ok {
		return domain.Rate{}, domain.ErrNotFound
	}
	return r, nil
}

func (s *memRates) Upsert(_ context.Context, r domain.Rate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[r.Pair] = r
	return nil
}

type memRateCache struct {
	mu sync.Mutex
	m  map[string]domain.Rate
}

func newMemRateCache() *memRateCache { return &memRateCache{m: map[string]domain.Rate{}} }

func (c *memRateCache) Get(_ context.Context, pair string) (domain.Rate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[pair]
	if !ok {
		return domain.Rate{}, domain.ErrNotFound
	}
	return r, nil
}

func (c *memRateCache) Set(_ context.Context, r domain.Rate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[r.Pair] = r
	return nil
}

func (c *memRateCache) Invalidate(_ context.Context, pair string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, pair)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks { return &memLocks{held: map[string]bool{}} }

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type memBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{subs: map[string][]chan []byte{}, streams: map[string][][]byte{}}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for i, p := range b.streams[stream] {
		if len(out) == count {
			break
		}
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i), Payload: p})
	}
	return out, nil
}

type fakeWallet struct {
	mu        sync.Mutex
	createErr error
	sendErr   error
	sendDelay time.Duration
	addrs     int
	sends     []domain.SendRequest
	transfers []domain.Transfer
}

func (w *fakeWallet) CreateAddress(_ context.Context, ref domain.WalletRef, _ string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return "", w.createErr
	}
	w.addrs++
	return fmt.Sprintf("%s-deposit-%d", ref.Coin, w.addrs), nil
}

func (w *fakeWallet) ListTransfers(_ context.Context, _ domain.WalletRef) ([]domain.Transfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.transfers), nil
}

func (w *fakeWallet) SendCoins(_ context.Context, _ domain.WalletRef, req domain.SendRequest) (domain.SendResult, error) {
	if w.sendDelay > 0 {
		time.Sleep(w.sendDelay)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sends = append(w.sends, req)
	if w.sendErr != nil {
		return domain.SendResult{}, w.sendErr
	}
	return domain.SendResult{TxID: "tx-" + req.SequenceID, Status: "signed"}, nil
}

func (w *fakeWallet) sendCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sends)
}

func (w *fakeWallet) setSendErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sendErr = err
}

type countingLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, limit int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= limit, nil
}

type recordingEmitter struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (e *recordingEmitter) Emit(_ context.Context, n domain.Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, n)
}

func (e *recordingEmitter) count(userID string, typ domain.NotificationType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.sent {
		if s.UserID == userID && s.Type == typ {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *recordingAlerter) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Contains(a.events, event)
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (b *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(data); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objects == nil {
		b.objects = map[string][]byte{}
	}
	b.objects[path] = buf.Bytes()
	return nil
}

func (b *memBlobs) URL(path string) string { return "https://blobs.test/" + path }

const (
	userAlice = "alice"
	userBob   = "bob"
	userMike  = "mike"
	userMia   = "mia"
	userVera  = "vera"
	userPam   = "pam"

	btcTestAddr = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	ethAddr     = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
)

// harness wires the services over in-memory stores. Mike (4.8) and Mia
// (4.2) are merchants; Vera is the only vendor.
type harness struct {
	profiles    *memProfiles
	merchants   *memMerchants
	trades      *memTrades
	jobs        *memJobs
	orders      *memOrders
	escrows     *memEscrows
	audit       *memAudit
	rates       *memRates
	bus         *memBus
	wallet      *fakeWallet
	emitter     *recordingEmitter
	alerter     *recordingAlerter
	blobs       *memBlobs
	chains      *chain.Registry
	rateSvc     *RateService
	directory   *DirectoryService
	escrow      *EscrowService
	tradeSvc    *TradeService
	fulfillment *FulfillmentService
	sweeper     *Sweeper
}

func merchantSettings(userID string) domain.MerchantSettings {
	return domain.MerchantSettings{
		UserID: userID,
		BuyRates: map[domain.Coin]decimal.Decimal{
			domain.CoinUSDT: dec("1650"),
			domain.CoinBTC:  dec("99000000"),
		},
		SellRates: map[domain.Coin]decimal.Decimal{
			domain.CoinUSDT: dec("1700"),
			domain.CoinBTC:  dec("101000000"),
		},
		MinTradeUSD:        dec("10"),
		MaxTradeUSD:        dec("5000"),
		Online:             true,
		PaymentMethods:     []string{"bank_transfer"},
		AvgResponseSeconds: 120,
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		profiles: newMemProfiles(
			domain.Profile{ID: userAlice, CreditsBalance: 100},
			domain.Profile{ID: userBob, CreditsBalance: 5},
			domain.Profile{ID: userMike, IsMerchant: true, MerchantMode: true, Rating: 4.8, CreditsBalance: 100},
			domain.Profile{ID: userMia, IsMerchant: true, MerchantMode: true, Rating: 4.2, CreditsBalance: 100},
			domain.Profile{ID: userVera, IsVendor: true},
			domain.Profile{ID: userPam, IsPremium: true, CreditsBalance: 100},
		),
		trades:  newMemTrades(),
		jobs:    newMemJobs(),
		orders:  newMemOrders(),
		escrows: newMemEscrows(),
		audit:   &memAudit{},
		rates: newMemRates(
			domain.Rate{Pair: "BTC_USD", Buy: dec("60000"), Sell: dec("60000")},
			domain.Rate{Pair: "USDT_USD", Buy: dec("1"), Sell: dec("1")},
			domain.Rate{Pair: "USD_NGN", Buy: dec("1600"), Sell: dec("1650")},
			domain.Rate{Pair: "USDT_NGN", Buy: dec("1700"), Sell: dec("1640")},
		),
		bus:     newMemBus(),
		wallet:  &fakeWallet{},
		emitter: &recordingEmitter{},
		alerter: &recordingAlerter{},
		blobs:   &memBlobs{},
		chains:  chain.NewRegistry(chain.Testnet),
	}
	h.merchants = newMemMerchants(h.profiles, merchantSettings(userMike), merchantSettings(userMia))

	logger := testLogger()
	st := Stores{
		Tx:         passTx{},
		Profiles:   h.profiles,
		Merchants:  h.merchants,
		Vendors:    &memVendors{vendors: []domain.Vendor{{UserID: userVera, Active: true}}},
		Trades:     h.trades,
		Jobs:       h.jobs,
		CashOrders: h.orders,
		Escrows:    h.escrows,
		Audit:      h.audit,
	}
	h.rateSvc = NewRateService(h.rates, newMemRateCache(), "NGN", logger)
	h.directory = NewDirectoryService(h.profiles, h.merchants, h.chains, h.bus, logger)
	h.escrow = NewEscrowService(h.escrows, h.wallet, h.chains, newMemLocks(), h.bus, h.audit, h.alerter,
		EscrowConfig{
			Wallets: map[domain.Coin]domain.WalletRef{
				domain.CoinBTC:  {Coin: "tbtc", WalletID: "w-btc"},
				domain.CoinUSDT: {Coin: "tusdt", WalletID: "w-usdt"},
			},
			DepositTolerance:   1000,
			MaxReleaseAttempts: 3,
		}, logger)
	h.tradeSvc = NewTradeService(st, h.directory, h.rateSvc, h.escrow, h.chains, &countingLimiter{}, h.emitter,
		TradeConfig{
			FeeDivisorUSD: 10,
			TradeTTL:      30 * time.Minute,
			CashOrderTTL:  24 * time.Hour,
			RequestLimit:  5,
			RequestWindow: time.Minute,
			EscrowCoins:   []domain.Coin{domain.CoinBTC, domain.CoinUSDT},
		}, logger)
	h.fulfillment = NewFulfillmentService(st, h.tradeSvc, h.rateSvc, h.blobs, h.emitter,
		FulfillmentConfig{ProofPrefix: "payment-proofs", MaxProofBytes: 1024}, logger)
	h.sweeper = NewSweeper(h.trades, h.jobs, h.tradeSvc, h.fulfillment, h.alerter, time.Minute, 50, logger)
	return h
}

// fundEscrow makes the provider report a confirmed deposit of the full
// expected amount to the trade's escrow address.
func (h *harness) fundEscrow(t *testing.T, tradeID string) {
	t.Helper()
	row, err := h.escrows.GetByTradeID(context.Background(), tradeID)
	require.NoError(t, err)
	amount, err := h.chains.ToBaseUnits(row.Coin, row.ExpectedAmount)
	require.NoError(t, err)

	h.wallet.mu.Lock()
	defer h.wallet.mu.Unlock()
	h.wallet.transfers = append(h.wallet.transfers, domain.Transfer{
		TxID: "deposit-" + tradeID, State: "confirmed", Confirmations: 6,
		Entries: []domain.TransferEntry{{Address: row.Address, Value: amount}},
	})
}

// cashSell is the standard "sell USDT for cash" request.
func cashSell(usd string) CreateTradeRequest {
	return CreateTradeRequest{
		CryptoType:   domain.CoinUSDT,
		CryptoAmount: dec(usd),
		USDAmount:    dec(usd),
		TradeType:    domain.TradeTypeSell,
		Settlement:   domain.SettlementCashDelivery,
		DeliveryType: domain.DeliveryPickup,
	}
}

// deliveryReady drives a cash sell through acceptance, payment and
// confirmation, and returns the create result.
func (h *harness) deliveryReady(t *testing.T) CreateTradeResult {
	t.Helper()
	ctx := context.Background()
	res, err := h.tradeSvc.CreateTradeRequest(ctx, domain.UserActor(userAlice), cashSell("500"))
	if err != nil {
		t.Fatalf("create trade: %v", err)
	}
	h.fundEscrow(t, res.TradeID)
	if _, err := h.tradeSvc.AcceptTrade(ctx, domain.UserActor(res.MerchantID), res.TradeID, ethAddr); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := h.fulfillment.MarkPaymentSent(ctx, domain.UserActor(res.MerchantID), res.VendorJobID, PaymentProof{}); err != nil {
		t.Fatalf("payment sent: %v", err)
	}
	if _, err := h.fulfillment.ConfirmPaymentReceived(ctx, domain.UserActor(userVera), res.VendorJobID, dec("825000"), "REF123"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}
	return res
}
