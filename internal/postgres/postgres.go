// Package postgres builds pgx connection pools from explicit configuration.
// The active schema namespace is part of the configuration and is applied to
// every pooled connection, never set as ambient session state by callers.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Schema is the namespace the pool operates in. Applied as search_path
	// on every new connection. Empty means the server default.
	Schema string

	// ConnectAttempts bounds the connect retry loop; 0 means 5.
	ConnectAttempts int

	// ConnectBackoff is the initial delay between attempts, doubled each
	// retry; 0 means 1s.
	ConnectBackoff time.Duration
}

// DSN returns the keyword/value connection string for the config.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		kvValue(c.Host), c.Port, kvValue(c.User), kvValue(c.Password), kvValue(c.Database), kvValue(c.SSLMode),
	)
}

// kvValue escapes one keyword/value setting. Empty values and values
// containing spaces, quotes, or backslashes must be single-quoted.
func kvValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Connect opens a pgx pool for the config and verifies it with a ping.
// Transient connect failures are retried with doubling backoff, since a
// deploy job frequently starts before its database accepts connections.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	if cfg.Schema != "" {
		schema := pgx.Identifier{cfg.Schema}.Sanitize()
		poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			if _, err := conn.Exec(ctx, "SET search_path TO "+schema); err != nil {
				return fmt.Errorf("set search_path: %w", err)
			}
			return nil
		}
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 5
	}
	backoff := cfg.ConnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.Info("connected to postgres",
					zap.String("host", cfg.Host),
					zap.String("database", cfg.Database),
					zap.String("schema", cfg.Schema),
				)
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		logger.Warn("postgres not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("connect to postgres after %d attempts: %w", attempts, lastErr)
}
