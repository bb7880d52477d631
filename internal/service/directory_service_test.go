package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

func TestListEligible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	all, err := h.directory.ListEligible(ctx, "", decimal.Zero)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	notMike, err := h.directory.ListEligible(ctx, userMike, dec("100"))
	require.NoError(t, err)
	require.Len(t, notMike, 1)
	assert.Equal(t, userMia, notMike[0].UserID)

	ms := merchantSettings(userMia)
	ms.Online = false
	require.NoError(t, h.merchants.UpsertSettings(ctx, ms))
	tooBig, err := h.directory.ListEligible(ctx, "", dec("5000.01"))
	require.NoError(t, err)
	assert.Empty(t, tooBig)
}

func TestToggleMerchantMode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.directory.ToggleMerchantMode(ctx, domain.SystemActor("admin"), true)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	res, err := h.directory.ToggleMerchantMode(ctx, domain.UserActor(userAlice), true)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.IsMerchant)
	assert.Equal(t, "merchant mode enabled", res.Message)

	ms, err := h.merchants.GetSettings(ctx, userAlice)
	require.NoError(t, err)
	assert.True(t, ms.MinTradeUSD.Equal(dec("10")), "defaults created lazily")

	views, err := h.directory.ListEligible(ctx, "", dec("50"))
	require.NoError(t, err)
	assert.Len(t, views, 3)

	res, err = h.directory.ToggleMerchantMode(ctx, domain.UserActor(userAlice), false)
	require.NoError(t, err)
	assert.False(t, res.IsMerchant)
	_, err = h.merchants.GetSettings(ctx, userAlice)
	assert.NoError(t, err, "settings survive disabling")
}

func TestUpdateSettings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.directory.UpdateSettings(ctx, domain.UserActor(userAlice), merchantSettings(userAlice))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	bad := merchantSettings("ignored")
	bad.MinTradeUSD, bad.MaxTradeUSD = dec("100"), dec("50")
	_, err = h.directory.UpdateSettings(ctx, domain.UserActor(userMike), bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	bad = merchantSettings("ignored")
	bad.BuyRates = map[domain.Coin]decimal.Decimal{"DOGE": dec("1")}
	_, err = h.directory.UpdateSettings(ctx, domain.UserActor(userMike), bad)
	assert.ErrorIs(t, err, domain.ErrValidation)

	ms := merchantSettings("ignored")
	ms.BuyRates = map[domain.Coin]decimal.Decimal{"btc": dec("98000000")}
	ms.PaymentMethods = []string{"  "}
	saved, err := h.directory.UpdateSettings(ctx, domain.UserActor(userMike), ms)
	require.NoError(t, err)
	assert.Equal(t, userMike, saved.UserID)
	assert.True(t, saved.BuyRates[domain.CoinBTC].Equal(dec("98000000")))
	assert.Equal(t, []string{"bank_transfer"}, saved.PaymentMethods)
}

func TestUpdateSettingsReportsReadBackFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.merchants.mu.Lock()
	h.merchants.getErr = errors.New("connection reset")
	h.merchants.mu.Unlock()

	_, err := h.directory.UpdateSettings(ctx, domain.UserActor(userMike), merchantSettings("ignored"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read back settings")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestSubscribeReloadsOnChange(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan []domain.MerchantView, 8)
	require.NoError(t, h.directory.Subscribe(ctx, userAlice, func(v []domain.MerchantView) { updates <- v }))

	select {
	case initial := <-updates:
		assert.Len(t, initial, 2)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	_, err := h.directory.ToggleMerchantMode(ctx, domain.UserActor(userMia), false)
	require.NoError(t, err)

	select {
	case next := <-updates:
		require.Len(t, next, 1)
		assert.Equal(t, userMike, next[0].UserID)
	case <-time.After(time.Second):
		t.Fatal("no update after toggle")
	}
}
