package storage

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Option adjusts the pgx pool before the Postgres repository connects. Zero
// and negative values leave the DSN's setting in place.
type Option func(*pgxpool.Config)

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(pc *pgxpool.Config) {
		if maxConns > 0 {
			pc.MaxConns = maxConns
		}
		if minConns >= 0 && minConns <= pc.MaxConns {
			pc.MinConns = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds how long opening a connection may take.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(pc *pgxpool.Config) {
		if timeout > 0 {
			pc.ConnConfig.ConnectTimeout = timeout
		}
	}
}

// WithPostgresApplicationName sets application_name so the binaries can be
// told apart in pg_stat_activity.
func WithPostgresApplicationName(name string) Option {
	return func(pc *pgxpool.Config) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if pc.ConnConfig.RuntimeParams == nil {
			pc.ConnConfig.RuntimeParams = map[string]string{}
		}
		pc.ConnConfig.RuntimeParams["application_name"] = name
	}
}

func postgresPoolConfig(dsn string, opts ...Option) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pc.ConnConfig.ConnectTimeout = 5 * time.Second
	pc.HealthCheckPeriod = 30 * time.Second
	WithPostgresApplicationName("frameproof")(pc)
	for _, opt := range opts {
		if opt != nil {
			opt(pc)
		}
	}
	return pc, nil
}
