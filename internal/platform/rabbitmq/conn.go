// Package rabbitmq holds the broker plumbing shared by the worker, the API's
// asynchronous request path and the publish subcommand.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Dial connects to url, retrying with exponential backoff until it succeeds
// or ctx ends. maxInterval caps the delay between attempts.
func Dial(ctx context.Context, url string, maxInterval time.Duration, logger *slog.Logger) (*amqp.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	if maxInterval > 0 {
		b.MaxInterval = maxInterval
	}
	b.MaxElapsedTime = 0

	var conn *amqp.Connection
	attempt := 0
	operation := func() error {
		attempt++
		c, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Properties: amqp.Table{
				"connection_name": "enrolld",
			},
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("rabbitmq dial failed", "attempt", attempt, "retry_in", next.String(), "error", err.Error())
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	return conn, nil
}
