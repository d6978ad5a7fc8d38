// Package notify subscribes to Postgres notification channels over a
// dedicated connection and delivers payloads to a callback.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Handler receives one notification payload.
type Handler func(payload string)

// Listener holds a LISTEN subscription on a single channel. The connection
// is dedicated: pooled connections cannot carry LISTEN state.
type Listener struct {
	dsn     string
	channel string
	handler Handler
	logger  *zap.Logger
	backoff time.Duration
}

// NewListener creates a Listener for the given channel.
func NewListener(dsn, channel string, handler Handler, logger *zap.Logger) *Listener {
	return &Listener{
		dsn:     dsn,
		channel: channel,
		handler: handler,
		logger:  logger,
		backoff: 5 * time.Second,
	}
}

// Run listens until ctx is cancelled. Connection failures are logged and
// retried with a fixed delay; notifications sent while disconnected are lost,
// which is acceptable because consumers reconcile against the notifications
// table.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("notification listener disconnected, reconnecting",
			zap.String("channel", l.channel),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background()) //nolint:errcheck

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %q: %w", l.channel, err)
	}
	l.logger.Info("listening for notifications", zap.String("channel", l.channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.handler(n.Payload)
	}
}
