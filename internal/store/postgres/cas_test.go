package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

// testClient connects to CASHBRIDGE_TEST_DSN and applies migrations. Tests
// that need a live database skip when it is unset.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("CASHBRIDGE_TEST_DSN")
	if dsn == "" {
		t.Skip("CASHBRIDGE_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := New(ctx, ClientConfig{DSN: dsn, MaxConns: 8})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	return c
}

func seedProfile(t *testing.T, c *Client, credits int64) string {
	t.Helper()
	id := "p-" + uuid.NewString()
	_, err := c.Pool().Exec(context.Background(),
		`INSERT INTO profiles (id, display_name, credits_balance) VALUES ($1, $2, $3)`, id, "test", credits)
	require.NoError(t, err)
	return id
}

func seedTrade(t *testing.T, c *Client) domain.Trade {
	t.Helper()
	seller, buyer := seedProfile(t, c, 0), seedProfile(t, c, 0)
	now := time.Now().UTC()
	tr := domain.Trade{
		ID: "t-" + uuid.NewString(), RequesterID: seller, MerchantID: buyer, SellerID: seller, BuyerID: buyer,
		CryptoType: domain.CoinBTC, CryptoAmount: decimal.RequireFromString("0.01"),
		FiatAmount: decimal.RequireFromString("985000"), FiatCurrency: "NGN",
		USDAmount: decimal.RequireFromString("600"), Rate: decimal.RequireFromString("98500000"),
		TradeType: domain.TradeTypeSell, MatchMode: domain.MatchModeAuto,
		Settlement: domain.SettlementBankTransfer, Status: domain.TradeStatusPending,
		ExpiresAt: now.Add(30 * time.Minute), CreatedAt: now,
	}
	require.NoError(t, NewTradeStore(c.Pool()).Create(context.Background(), tr))
	return tr
}

func TestTradeTransitionGuardsSourceStatus(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	trades := NewTradeStore(c.Pool())
	tr := seedTrade(t, c)

	addr := "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	accepted, err := trades.Transition(ctx, tr.ID,
		[]domain.TradeStatus{domain.TradeStatusPending}, domain.TradeStatusAccepted,
		domain.TradeUpdate{ReleaseAddress: &addr})
	require.NoError(t, err)
	assert.Equal(t, domain.TradeStatusAccepted, accepted.Status)
	assert.Equal(t, addr, accepted.ReleaseAddress)
	assert.NotNil(t, accepted.AcceptedAt)

	_, err = trades.Transition(ctx, tr.ID,
		[]domain.TradeStatus{domain.TradeStatusPending}, domain.TradeStatusRejected, domain.TradeUpdate{})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	var te *domain.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "accepted", te.Current)

	_, err = trades.Transition(ctx, "t-missing-"+uuid.NewString(),
		[]domain.TradeStatus{domain.TradeStatusPending}, domain.TradeStatusAccepted, domain.TradeUpdate{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTradeTransitionConcurrentSingleWinner(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	trades := NewTradeStore(c.Pool())
	tr := seedTrade(t, c)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := range racers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = trades.Transition(ctx, tr.ID,
				[]domain.TradeStatus{domain.TradeStatusPending}, domain.TradeStatusCancelled,
				domain.TradeUpdate{CancelReason: "expired"})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	assert.Equal(t, 1, won)
}

func TestDebitCreditsNeverGoesNegative(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	profiles := NewProfileStore(c.Pool())
	id := seedProfile(t, c, 25)

	bal, err := profiles.DebitCredits(ctx, id, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)

	_, err = profiles.DebitCredits(ctx, id, 16)
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)

	_, err = profiles.DebitCredits(ctx, "p-missing-"+uuid.NewString(), 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := profiles.DebitCredits(ctx, id, 5); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)

	p, err := profiles.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, p.CreditsBalance)
}

func TestDebitCreditsRollsBackWithTx(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	profiles := NewProfileStore(c.Pool())
	id := seedProfile(t, c, 20)

	boom := errors.New("later step failed")
	err := NewTxRunner(c.Pool()).InTx(ctx, func(ctx context.Context) error {
		if _, err := profiles.DebitCredits(ctx, id, 20); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := profiles.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), p.CreditsBalance)
}

func TestEscrowTransitionAndAwaitingDeposit(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	escrows := NewEscrowStore(c.Pool())
	tr := seedTrade(t, c)

	require.NoError(t, escrows.Create(ctx, domain.EscrowAddress{
		ID: "e-" + uuid.NewString(), TradeID: tr.ID, Coin: domain.CoinBTC, Address: "tb1qescrow",
		WalletID: "w-btc", ExpectedAmount: decimal.RequireFromString("0.01"),
		Status: domain.EscrowPending, CreatedAt: time.Now().UTC(),
	}))

	dest := "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"
	parked, err := escrows.Transition(ctx, tr.ID,
		[]domain.EscrowStatus{domain.EscrowPending}, domain.EscrowPending,
		domain.EscrowUpdate{DestinationAddress: &dest})
	require.NoError(t, err)
	assert.Equal(t, dest, parked.DestinationAddress)

	awaiting, err := escrows.ListAwaitingDeposit(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, containsTrade(awaiting, tr.ID))

	_, err = escrows.Transition(ctx, tr.ID,
		[]domain.EscrowStatus{domain.EscrowFunded, domain.EscrowReleaseFailed}, domain.EscrowReleasing,
		domain.EscrowUpdate{CountAttempt: true})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "an unfunded escrow cannot be claimed for release")

	received := decimal.RequireFromString("0.01")
	funded, err := escrows.Transition(ctx, tr.ID,
		[]domain.EscrowStatus{domain.EscrowPending}, domain.EscrowFunded,
		domain.EscrowUpdate{ReceivedAmount: &received})
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowFunded, funded.Status)
	assert.True(t, funded.ReceivedAmount.Valid)

	claimed, err := escrows.Transition(ctx, tr.ID,
		[]domain.EscrowStatus{domain.EscrowFunded, domain.EscrowReleaseFailed}, domain.EscrowReleasing,
		domain.EscrowUpdate{CountAttempt: true})
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.ReleaseAttempts)

	awaiting, err = escrows.ListAwaitingDeposit(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, containsTrade(awaiting, tr.ID))
}

func containsTrade(rows []domain.EscrowAddress, tradeID string) bool {
	for _, r := range rows {
		if r.TradeID == tradeID {
			return true
		}
	}
	return false
}
