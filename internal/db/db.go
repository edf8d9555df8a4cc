package db

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var supportedPGQueryKeys = map[string]struct{}{
	"application_name":        {},
	"channel_binding":         {},
	"client_encoding":         {},
	"connect_timeout":         {},
	"default_query_exec_mode": {},
	"host":                    {},
	"options":                 {},
	"pool_max_conns":          {},
	"pool_min_conns":          {},
	"sslcert":                 {},
	"sslkey":                  {},
	"sslmode":                 {},
	"sslpassword":             {},
	"sslrootcert":             {},
	"target_session_attrs":    {},
}

var schemeAliases = []string{
	"postgresql+pgx://",
	"postgres+pgx://",
	"postgresql+psycopg://",
	"postgresql://",
}

const defaultApplicationName = "mira-api"

func Connect(ctx context.Context, rawURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(normalizeDatabaseURL(rawURL))
	if err != nil {
		return nil, err
	}
	if cfg.MaxConnIdleTime == 0 || cfg.MaxConnIdleTime > 5*time.Minute {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func normalizeDatabaseURL(rawURL string) string {
	normalized := strings.TrimSpace(rawURL)
	for _, alias := range schemeAliases {
		if strings.HasPrefix(normalized, alias) {
			normalized = "postgres://" + strings.TrimPrefix(normalized, alias)
			break
		}
	}

	parsed, err := url.Parse(normalized)
	if err != nil || parsed.Scheme != "postgres" {
		return normalized
	}

	filtered := make(url.Values)
	for key, values := range parsed.Query() {
		if _, ok := supportedPGQueryKeys[key]; !ok {
			continue
		}
		for _, v := range values {
			filtered.Add(key, v)
		}
	}
	if filtered.Get("application_name") == "" {
		filtered.Set("application_name", defaultApplicationName)
	}
	parsed.RawQuery = filtered.Encode()
	return parsed.String()
}
