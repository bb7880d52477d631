package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

func TestAllocateProviderFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.wallet.createErr = errors.New("bitgo: status 500: internal error")

	_, err := h.escrow.Allocate(context.Background(), "t-1", domain.CoinBTC, dec("0.5"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Zero(t, h.escrows.count())
	assert.True(t, h.alerter.has("escrow_allocation_failed"))
}

func TestAllocateUnsupportedCoin(t *testing.T) {
	h := newHarness(t)

	_, err := h.escrow.Allocate(context.Background(), "t-1", domain.CoinXRP, dec("10"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedCoin)
	assert.False(t, h.escrow.Supports(domain.CoinXRP))
	assert.True(t, h.escrow.Supports(domain.CoinBTC))
}

func TestConfirmDeposit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	row, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowPending, row.Status)
	assert.Equal(t, "w-btc", row.WalletID)

	// Short by more than the tolerance.
	h.wallet.transfers = []domain.Transfer{{
		TxID: "short", State: "confirmed", Confirmations: 6,
		Entries: []domain.TransferEntry{{Address: row.Address, Value: bigInt(49_000_000)}},
	}}
	_, check, err := h.escrow.ConfirmDeposit(ctx, "t-1", "")
	require.NoError(t, err)
	assert.False(t, check.Verified)
	assert.Equal(t, int64(49_000_000), check.Received.Int64())

	// Within tolerance but unconfirmed.
	h.wallet.transfers = []domain.Transfer{{
		TxID: "pending", State: "unconfirmed",
		Entries: []domain.TransferEntry{{Address: row.Address, Value: bigInt(49_999_500)}},
	}}
	_, check, err = h.escrow.ConfirmDeposit(ctx, "t-1", "")
	require.NoError(t, err)
	assert.False(t, check.Verified)

	h.wallet.transfers = append(h.wallet.transfers, domain.Transfer{
		TxID: "good", State: "confirmed", Confirmations: 2,
		Entries: []domain.TransferEntry{
			{Address: "someone-else", Value: bigInt(1)},
			{Address: row.Address, Value: bigInt(49_999_500)},
		},
	})
	funded, check, err := h.escrow.ConfirmDeposit(ctx, "t-1", "good")
	require.NoError(t, err)
	assert.True(t, check.Verified)
	assert.Equal(t, "good", check.TxID)
	assert.Equal(t, domain.EscrowFunded, funded.Status)
	assert.True(t, funded.ReceivedAmount.Decimal.Equal(dec("0.499995")))
	assert.True(t, h.audit.has("escrow_funded"))

	again, check, err := h.escrow.ConfirmDeposit(ctx, "t-1", "good")
	require.NoError(t, err)
	assert.True(t, check.Verified)
	assert.Equal(t, domain.EscrowFunded, again.Status)
}

func TestVerifyDepositProviderErrorPropagates(t *testing.T) {
	h := newHarness(t)
	h.escrow.wallet = failingTransfers{h.wallet}

	_, err := h.escrow.VerifyDeposit(context.Background(), domain.CoinBTC, "addr", dec("0.1"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider down")
}

type failingTransfers struct{ *fakeWallet }

func (failingTransfers) ListTransfers(context.Context, domain.WalletRef) ([]domain.Transfer, error) {
	return nil, errors.New("provider down")
}

func TestReleaseAlreadyReleasedSkipsProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinUSDT, dec("100"))
	require.NoError(t, err)
	h.fundEscrow(t, "t-1")

	first, err := h.escrow.Release(ctx, "t-1", ethAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, first.Status)
	assert.NotNil(t, first.ReleasedAt)

	second, err := h.escrow.Release(ctx, "t-1", ethAddr)
	require.NoError(t, err)
	assert.Equal(t, first.TxHash, second.TxHash)
	assert.Equal(t, 1, h.wallet.sendCount())
	assert.True(t, h.audit.has("escrow_released"))
	assert.Len(t, h.bus.streams[domain.StreamEscrowEvents], 3, "allocated, funded and released")
}

func TestReleaseValidatesDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.1"))
	require.NoError(t, err)

	_, err = h.escrow.Release(ctx, "t-1", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = h.escrow.Release(ctx, "t-1", ethAddr)
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
	assert.Zero(t, h.wallet.sendCount())
}

func TestReleaseLockHeld(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.1"))
	require.NoError(t, err)

	unlock, err := h.escrow.locks.Acquire(ctx, "escrow:release:t-1", 0)
	require.NoError(t, err)
	defer unlock()

	_, err = h.escrow.Release(ctx, "t-1", btcTestAddr)
	assert.ErrorIs(t, err, domain.ErrReleaseInProgress)
	assert.Zero(t, h.wallet.sendCount())
}

func TestRetryStopsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.1"))
	require.NoError(t, err)
	h.fundEscrow(t, "t-1")
	h.wallet.setSendErr(errors.New("insufficient fee"))

	_, err = h.escrow.Release(ctx, "t-1", btcTestAddr)
	require.Error(t, err)
	for i := 0; i < 5; i++ {
		_, err := h.escrow.RetryFailedReleases(ctx)
		require.NoError(t, err)
	}

	row, err := h.escrows.GetByTradeID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleaseFailed, row.Status)
	assert.Equal(t, 3, row.ReleaseAttempts)
	assert.Equal(t, "insufficient fee", row.LastError)
	assert.Equal(t, 3, h.wallet.sendCount())
}

func TestRefundFundedWithoutAddressAlerts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	row, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.1"))
	require.NoError(t, err)
	h.wallet.transfers = []domain.Transfer{{
		TxID: "d", State: "confirmed", Confirmations: 1,
		Entries: []domain.TransferEntry{{Address: row.Address, Value: bigInt(10_000_000)}},
	}}
	_, _, err = h.escrow.ConfirmDeposit(ctx, "t-1", "")
	require.NoError(t, err)

	held, err := h.escrow.Refund(ctx, "t-1", "")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, held.Status)
	assert.True(t, h.alerter.has("refund_required"))
	assert.Zero(t, h.wallet.sendCount())

	h.wallet.setSendErr(errors.New("timeout"))
	_, err = h.escrow.Refund(ctx, "t-1", btcTestAddr)
	require.Error(t, err)
	row, err = h.escrows.GetByTradeID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, row.Status, "failed refund returns to funded")

	h.wallet.setSendErr(nil)
	refunded, err := h.escrow.Refund(ctx, "t-1", btcTestAddr)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowRefunded, refunded.Status)
	assert.Equal(t, "tx-refund-t-1", refunded.TxHash)
}

func TestEventsReadsEscrowStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.5"))
	require.NoError(t, err)
	_, err = h.escrow.Allocate(ctx, "t-2", domain.CoinUSDT, dec("100"))
	require.NoError(t, err)

	msgs, err := h.escrow.Events(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, string(msgs[0].Payload), `"trade_id":"t-1"`)
	assert.Contains(t, string(msgs[1].Payload), `"coin":"USDT"`)

	msgs, err = h.escrow.Events(ctx, "0", 1)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAuditTrailFiltersByTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.5"))
	require.NoError(t, err)
	_, err = h.escrow.Allocate(ctx, "t-2", domain.CoinUSDT, dec("100"))
	require.NoError(t, err)
	require.NoError(t, h.audit.Log(ctx, "other_event", map[string]any{"trade_id": "t-1"}))

	entries, err := h.escrow.AuditTrail(ctx, "t-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "escrow_allocated", entries[0].Event)
	assert.Equal(t, "t-1", entries[0].Detail["trade_id"])

	_, err = h.escrow.AuditTrail(ctx, "", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReleaseWithoutDepositSendsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinUSDT, dec("100"))
	require.NoError(t, err)

	row, err := h.escrow.Release(ctx, "t-1", ethAddr)
	require.ErrorIs(t, err, domain.ErrDepositNotReceived)
	assert.Equal(t, domain.EscrowPending, row.Status)
	assert.Equal(t, ethAddr, row.DestinationAddress, "destination kept for the deferred release")
	assert.Zero(t, row.ReleaseAttempts)
	assert.Zero(t, h.wallet.sendCount())
	assert.True(t, h.alerter.has("deposit_missing"))
	assert.True(t, h.audit.has("escrow_release_blocked"))

	// The retrier keeps it blocked while nothing has arrived.
	n, err := h.escrow.RetryFailedReleases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, h.wallet.sendCount())
}

func TestBlockedReleaseGoesOutOnceDepositArrives(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinUSDT, dec("100"))
	require.NoError(t, err)
	_, err = h.escrow.Release(ctx, "t-1", ethAddr)
	require.ErrorIs(t, err, domain.ErrDepositNotReceived)

	h.fundEscrow(t, "t-1")
	n, err := h.escrow.RetryFailedReleases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	row, err := h.escrows.GetByTradeID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowReleased, row.Status)
	require.Equal(t, 1, h.wallet.sendCount())
	assert.Equal(t, ethAddr, h.wallet.sends[0].Address)
}

func TestConfirmDepositRunsBlockedRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.escrow.Allocate(ctx, "t-1", domain.CoinBTC, dec("0.1"))
	require.NoError(t, err)
	_, err = h.escrow.Release(ctx, "t-1", btcTestAddr)
	require.ErrorIs(t, err, domain.ErrDepositNotReceived)

	h.fundEscrow(t, "t-1")
	row, check, err := h.escrow.ConfirmDeposit(ctx, "t-1", "")
	require.NoError(t, err)
	assert.True(t, check.Verified)
	assert.Equal(t, domain.EscrowReleased, row.Status)
	assert.Equal(t, 1, h.wallet.sendCount())
}
