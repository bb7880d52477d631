package postgres

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db.supabase.co:5432/postgres?sslmode=require",
		DSN(ClientConfig{Host: "db.supabase.co", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://u:p@localhost:6543/app?sslmode=disable",
		DSN(ClientConfig{Host: "localhost", Port: 6543, Database: "app", User: "u", Password: "p", SSLMode: "disable"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/001_init.sql")
	assert.NoError(t, err)
	for _, table := range []string{"profiles", "merchant_settings", "vendors", "trades", "vendor_jobs", "cash_orders", "escrow_addresses", "notifications", "rates", "audit_log"} {
		assert.Contains(t, string(data), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestAppendListOpts(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, args := appendListOpts("SELECT 1 FROM t WHERE user_id = $1", []any{"u1"}, "created_at",
		domain.ListOpts{Since: &since, Limit: 20, Offset: 40})

	assert.Equal(t, "SELECT 1 FROM t WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4", q)
	assert.Equal(t, []any{"u1", since, 20, 40}, args)

	q, args = appendListOpts("SELECT 1 FROM t WHERE 1=1", nil, "created_at", domain.ListOpts{})
	assert.Equal(t, "SELECT 1 FROM t WHERE 1=1 ORDER BY created_at DESC", q)
	assert.Empty(t, args)
}

func TestAuditQuery(t *testing.T) {
	q, args := auditQuery(domain.AuditFilter{TradeID: "t-1", Event: "escrow_*", ListOpts: domain.ListOpts{Limit: 10}})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE 1=1"+
		" AND detail->>'trade_id' = $1 AND event LIKE $2 ORDER BY created_at DESC LIMIT $3", q)
	assert.Equal(t, []any{"t-1", "escrow_%", 10}, args)

	q, args = auditQuery(domain.AuditFilter{Event: "escrow_funded"})
	assert.Equal(t, "SELECT id, event, detail, created_at FROM audit_log WHERE 1=1 AND event = $1 ORDER BY created_at DESC", q)
	assert.Equal(t, []any{"escrow_funded"}, args)
}

func TestDecimalHelpers(t *testing.T) {
	d, err := parseDecimal(" 1500.50 ")
	assert.NoError(t, err)
	assert.Equal(t, "1500.5", d.String())

	nd, err := parseNullDecimal(nil)
	assert.NoError(t, err)
	assert.False(t, nd.Valid)

	_, err = parseDecimal("abc")
	assert.Error(t, err)

	assert.Nil(t, decimalPtrArg(nil))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, []string{"pending", "funded"},
		statusStrings([]domain.EscrowStatus{domain.EscrowPending, domain.EscrowFunded}))
}
