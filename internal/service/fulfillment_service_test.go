package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

func TestConfirmPaymentReceivedNotifiesRequester(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)

	job, err := h.jobs.GetByID(ctx, res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaymentConfirmed, job.Status)
	assert.True(t, job.AmountReceived.Valid)
	assert.True(t, job.AmountReceived.Decimal.Equal(dec("825000")))
	assert.Equal(t, "REF123", job.BankReference)
	assert.NotNil(t, job.PaymentConfirmedAt)
	assert.Equal(t, 1, h.emitter.count(userAlice, domain.NotifyPaymentConfirmed))

	order, err := h.orders.GetByVendorJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaymentConfirmed, order.Status)
}

func TestConfirmPaymentReceivedTwiceLastWriteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)

	again, err := h.fulfillment.ConfirmPaymentReceived(ctx, domain.UserActor(userVera), res.VendorJobID, dec("825000"), "REF456")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaymentConfirmed, again.Status)
	assert.Equal(t, "REF456", again.BankReference)
	assert.Empty(t, again.VerificationCode, "vendor never sees the code")
	assert.Equal(t, 2, h.emitter.count(userAlice, domain.NotifyPaymentConfirmed))
}

func TestConfirmPaymentReceivedGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)

	_, err := h.fulfillment.ConfirmPaymentReceived(ctx, domain.UserActor(userAlice), res.VendorJobID, dec("1"), "x")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = h.fulfillment.ConfirmPaymentReceived(ctx, domain.UserActor(userVera), res.VendorJobID, dec("0"), "x")
	assert.ErrorIs(t, err, domain.ErrValidation)

	job, err := h.jobs.GetByID(ctx, res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, "REF123", job.BankReference)
}

func TestCompleteDeliveryWrongCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)
	setCode(t, h, res.VendorJobID, "482910")

	out, err := h.fulfillment.CompleteDelivery(ctx, domain.UserActor(userVera), res.VendorJobID, "482913")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "verification code does not match", out.Message)
	assert.NotContains(t, out.Message, "482910")

	job, err := h.jobs.GetByID(ctx, res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaymentConfirmed, job.Status)
	assert.Zero(t, h.wallet.sendCount())
}

func TestCompleteDeliveryReleasesEscrowOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)

	out, err := h.fulfillment.CompleteDelivery(ctx, domain.UserActor(userVera), res.VendorJobID, " "+res.VerificationCode+" ")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.True(t, out.Released)
	assert.Equal(t, "tx-release-"+res.TradeID, out.TxHash)

	job, err := h.jobs.GetByID(ctx, res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	order, err := h.orders.GetByVendorJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, order.Status)
	trade, err := h.trades.GetByID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusCompleted, trade.Status)

	require.Equal(t, 1, h.wallet.sendCount())
	send := h.wallet.sends[0]
	assert.Equal(t, ethAddr, send.Address)
	assert.Equal(t, int64(500_000_000), send.Amount.Int64())
	assert.Equal(t, "release-"+res.TradeID, send.SequenceID)

	assert.Equal(t, 1, h.emitter.count(userAlice, domain.NotifyDeliveryCompleted))
	assert.Equal(t, 1, h.emitter.count(userMike, domain.NotifyDeliveryCompleted))
	assert.Equal(t, 1, h.emitter.count(userMike, domain.NotifyEscrowReleased))

	again, err := h.fulfillment.CompleteDelivery(ctx, domain.UserActor(userVera), res.VendorJobID, res.VerificationCode)
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Equal(t, "delivery already completed", again.Message)
	assert.Equal(t, 1, h.wallet.sendCount())
}

func TestCompleteDeliveryWithoutDepositHoldsRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)
	h.wallet.mu.Lock()
	h.wallet.transfers = nil
	h.wallet.mu.Unlock()

	out, err := h.fulfillment.CompleteDelivery(ctx, domain.UserActor(userVera), res.VendorJobID, res.VerificationCode)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.False(t, out.Released)
	assert.Zero(t, h.wallet.sendCount())

	e, err := h.escrows.GetByTradeID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowPending, e.Status)
	assert.Equal(t, ethAddr, e.DestinationAddress)
	assert.True(t, h.alerter.has("deposit_missing"))
}

func TestCompleteDeliveryConcurrentReleasesAtMostOnce(t *testing.T) {
	h := newHarness(t)
	res := h.deliveryReady(t)
	h.wallet.sendDelay = 20 * time.Millisecond

	var (
		mu        sync.Mutex
		successes int
	)
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			out, err := h.fulfillment.CompleteDelivery(context.Background(), domain.UserActor(userVera), res.VendorJobID, res.VerificationCode)
			if err != nil {
				return err
			}
			if out.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, h.wallet.sendCount())
}

func TestCompleteDeliveryCodeNormalisation(t *testing.T) {
	h := newHarness(t)
	res := h.deliveryReady(t)
	setCode(t, h, res.VendorJobID, "AB12CD")

	out, err := h.fulfillment.CompleteDelivery(context.Background(), domain.UserActor(userVera), res.VendorJobID, "  ab12cd ")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestCompleteDeliveryRejectsMalformedCode(t *testing.T) {
	h := newHarness(t)
	res := h.deliveryReady(t)

	for _, code := range []string{"", "12", "1234567890123", "12-34"} {
		_, err := h.fulfillment.CompleteDelivery(context.Background(), domain.UserActor(userVera), res.VendorJobID, code)
		assert.ErrorIs(t, err, domain.ErrValidation, code)
	}

	_, err := h.fulfillment.CompleteDelivery(context.Background(), domain.UserActor(userMike), res.VendorJobID, res.VerificationCode)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.Zero(t, h.wallet.sendCount())
}

func TestCompleteDeliveryReleaseFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)
	h.wallet.setSendErr(errors.New("bitgo: send: status 503"))

	out, err := h.fulfillment.CompleteDelivery(ctx, domain.UserActor(userVera), res.VendorJobID, res.VerificationCode)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.False(t, out.Released)

	e, err := h.escrows.GetByTradeID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleaseFailed, e.Status)
	assert.Equal(t, 1, e.ReleaseAttempts)
	assert.True(t, h.alerter.has("release_failed"))

	h.wallet.setSendErr(nil)
	n, err := h.escrow.RetryFailedReleases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err = h.escrows.GetByTradeID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, e.Status)
	assert.Equal(t, 2, h.wallet.sendCount())
}

func TestVerificationCodeNeverChanges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := h.deliveryReady(t)

	_, err := h.fulfillment.StartDelivery(ctx, domain.UserActor(userVera), res.VendorJobID)
	require.NoError(t, err)
	job, err := h.jobs.GetByID(ctx, res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, res.VerificationCode, job.VerificationCode)
	assert.Equal(t, domain.JobStatusOutForDelivery, job.Status)
	assert.Equal(t, 1, h.emitter.count(userAlice, domain.NotifyOutForDelivery))

	asRequester, err := h.fulfillment.GetJob(ctx, domain.UserActor(userAlice), res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, res.VerificationCode, asRequester.VerificationCode)
	for _, uid := range []string{userVera, userMike} {
		other, err := h.fulfillment.GetJob(ctx, domain.UserActor(uid), res.VendorJobID)
		require.NoError(t, err)
		assert.Empty(t, other.VerificationCode, uid)
	}
	_, err = h.fulfillment.GetJob(ctx, domain.UserActor(userBob), res.VendorJobID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	jobs, err := h.fulfillment.ListJobs(ctx, domain.UserActor(userVera), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Empty(t, jobs[0].VerificationCode)
}

func TestRejectPaymentMovesLinkedTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.tradeSvc.CreateTradeRequest(ctx, domain.UserActor(userAlice), cashSell("500"))
	require.NoError(t, err)
	_, err = h.tradeSvc.AcceptTrade(ctx, domain.UserActor(userMike), res.TradeID, ethAddr)
	require.NoError(t, err)
	_, err = h.fulfillment.MarkPaymentSent(ctx, domain.UserActor(userMike), res.VendorJobID, PaymentProof{URL: "https://bank.test/r/1"})
	require.NoError(t, err)

	rejected, err := h.fulfillment.RejectPayment(ctx, domain.UserActor(userVera), res.VendorJobID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaymentRejected, rejected.Status)

	trade, err := h.trades.GetByID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusPaymentRejected, trade.Status)
	assert.Equal(t, 1, h.emitter.count(userAlice, domain.NotifyPaymentRejected))
	assert.Equal(t, 1, h.emitter.count(userMike, domain.NotifyPaymentRejected))
}

func TestMarkPaymentSentUploadsProof(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.tradeSvc.CreateTradeRequest(ctx, domain.UserActor(userAlice), cashSell("500"))
	require.NoError(t, err)
	_, err = h.tradeSvc.AcceptTrade(ctx, domain.UserActor(userMike), res.TradeID, ethAddr)
	require.NoError(t, err)

	_, err = h.fulfillment.MarkPaymentSent(ctx, domain.UserActor(userAlice), res.VendorJobID, PaymentProof{})
	assert.ErrorIs(t, err, domain.ErrForbidden, "the merchant pays on a trade-linked job")

	big := PaymentProof{Body: strings.NewReader(strings.Repeat("x", 2048)), Filename: "receipt.png"}
	_, err = h.fulfillment.MarkPaymentSent(ctx, domain.UserActor(userMike), res.VendorJobID, big)
	assert.ErrorIs(t, err, domain.ErrValidation)

	proof := PaymentProof{Body: strings.NewReader("png-bytes"), Filename: "Receipt.PNG", ContentType: "image/png"}
	sent, err := h.fulfillment.MarkPaymentSent(ctx, domain.UserActor(userMike), res.VendorJobID, proof)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPaymentSent, sent.Status)
	assert.True(t, strings.HasPrefix(sent.PaymentProofURL, "https://blobs.test/payment-proofs/"+res.VendorJobID+"/"))
	assert.True(t, strings.HasSuffix(sent.PaymentProofURL, ".png"))
	assert.Len(t, h.blobs.objects, 1)

	order, err := h.orders.GetByVendorJobID(ctx, res.VendorJobID)
	require.NoError(t, err)
	assert.Equal(t, sent.PaymentProofURL, order.PaymentProofURL)

	trade, err := h.trades.GetByID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusPaymentSent, trade.Status)
	assert.Equal(t, 1, h.emitter.count(userVera, domain.NotifyPaymentSent))
}

func TestCreateCashOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.fulfillment.CreateCashOrder(ctx, domain.UserActor(userAlice), CashOrderRequest{USDAmount: dec("100")})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	res, err := h.fulfillment.CreateCashOrder(ctx, domain.UserActor(userPam), CashOrderRequest{
		USDAmount:       dec("100"),
		DeliveryType:    domain.DeliveryDelivery,
		DeliveryAddress: "12 Marina Road, Lagos",
		ContactName:     "Pam",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPendingPayment, res.Job.Status)
	assert.Equal(t, userPam, res.Job.PayerID)
	assert.Nil(t, res.Job.TradeID)
	assert.True(t, res.Job.FiatAmount.Equal(dec("165000")))
	assert.Equal(t, 1, h.emitter.count(userVera, domain.NotifyJobAssigned))

	order, err := h.fulfillment.TrackCashOrder(ctx, strings.ToLower(res.TrackingCode))
	require.NoError(t, err)
	assert.Equal(t, res.Job.ID, order.VendorJobID)
	assert.Equal(t, "Pam", order.Details.ContactName)

	_, err = h.fulfillment.MarkPaymentSent(ctx, domain.UserActor(userPam), res.Job.ID, PaymentProof{})
	require.NoError(t, err)
	_, err = h.fulfillment.ConfirmPaymentReceived(ctx, domain.UserActor(userVera), res.Job.ID, dec("165000"), "REF9")
	require.NoError(t, err)
	out, err := h.fulfillment.CompleteDelivery(ctx, domain.UserActor(userVera), res.Job.ID, res.Job.VerificationCode)
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.False(t, out.Released)
	assert.Equal(t, 1, h.emitter.count(userPam, domain.NotifyDeliveryCompleted))
}

func TestCancelJobCancelsLinkedTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.tradeSvc.CreateTradeRequest(ctx, domain.UserActor(userAlice), cashSell("500"))
	require.NoError(t, err)

	_, err = h.fulfillment.CancelJob(ctx, domain.UserActor(userMike), res.VendorJobID, "")
	assert.ErrorIs(t, err, domain.ErrForbidden, "payer on a trade cancels through the trade")

	cancelled, err := h.fulfillment.CancelJob(ctx, domain.UserActor(userAlice), res.VendorJobID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)

	trade, err := h.trades.GetByID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusCancelled, trade.Status)
	assert.Equal(t, int64(100), h.profiles.credits(userAlice))

	e, err := h.escrows.GetByTradeID(ctx, res.TradeID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCancelled, e.Status)
}

func setCode(t *testing.T, h *harness, jobID, code string) {
	t.Helper()
	h.jobs.mu.Lock()
	defer h.jobs.mu.Unlock()
	j, ok := h.jobs.m[jobID]
	require.True(t, ok)
	j.VerificationCode = code
	h.jobs.m[jobID] = j
}
