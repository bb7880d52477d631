package config

import (
	"maps"
	"net/url"
	"slices"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log. Credentials are
// masked, a password inside the database DSN is masked while host and
// database stay readable, and slices and maps are cloned so the copy can be
// modified freely.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.Supabase.Password,
		&out.Supabase.JWTSecret,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.BitGo.AccessToken,
		&out.BitGo.WalletPassphrase,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	out.Supabase.DSN = redactDSN(cfg.Supabase.DSN)

	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Trading.EscrowCoins = slices.Clone(cfg.Trading.EscrowCoins)
	out.BitGo.Wallets = maps.Clone(cfg.BitGo.Wallets)
	return out
}

// redactDSN masks the password of a postgres:// URL. Anything that does not
// parse as a URL with user info is masked whole.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil || u.Host == "" {
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
