package config

import (
	"maps"
	"net/url"
)

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	redact(&out.Source.APIKey)
	redact(&out.Server.APIKey)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	// Redis URLs carry the password in userinfo.
	out.Redis.URL = redactURL(cfg.Redis.URL)
	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Bybit.Proxies != nil {
		out.Bybit.Proxies = make([]string, len(cfg.Bybit.Proxies))
		for i, p := range cfg.Bybit.Proxies {
			out.Bybit.Proxies[i] = redactURL(p)
		}
	}
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Server.CORSOrigins != nil {
		out.Server.CORSOrigins = make([]string, len(cfg.Server.CORSOrigins))
		copy(out.Server.CORSOrigins, cfg.Server.CORSOrigins)
	}
	if cfg.Bybit.PaymentNames != nil {
		out.Bybit.PaymentNames = maps.Clone(cfg.Bybit.PaymentNames)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactURL masks the password of a URL, or the whole value when it does not
// parse.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	return u.Redacted()
}
