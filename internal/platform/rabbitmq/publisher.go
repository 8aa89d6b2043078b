package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"enrolld/pkg/platform/sentinel"
)

// ErrUnroutable is returned when a mandatory publish matched no queue.
var ErrUnroutable = errors.New("message unroutable")

// ErrNacked is returned when the broker refused responsibility for a message.
var ErrNacked = errors.New("publish nacked by broker")

const defaultPublishTimeout = 5 * time.Second

// Publisher sends mandatory messages on a confirm-mode channel and waits for
// the broker to take responsibility for each one. Publishes are serialized so
// a basic.return can be attributed to the message that caused it.
type Publisher struct {
	mu      sync.Mutex
	ch      *amqp.Channel
	returns chan amqp.Return
	timeout time.Duration
}

// NewPublisher opens a dedicated confirm-mode channel on conn.
func NewPublisher(conn *amqp.Connection, timeout time.Duration) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{
		ch:      ch,
		returns: ch.NotifyReturn(make(chan amqp.Return, 16)),
		timeout: timeout,
	}, nil
}

// Publish sends msg and blocks until it is confirmed. Broker and channel
// failures are wrapped with sentinel.ErrUnavailable.
func (p *Publisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if msg.Headers == nil {
		msg.Headers = amqp.Table{}
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(msg.Headers))
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, exchange, key, true, false, msg)
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w: %w", exchange, key, sentinel.ErrUnavailable, err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %s/%s: %w: %w", exchange, key, sentinel.ErrUnavailable, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s/%s: %w", exchange, key, ErrNacked)
	}

	// The broker sends basic.return before basic.ack on the same channel.
	select {
	case ret := <-p.returns:
		return fmt.Errorf("publish to %s/%s: %w: %d %s", exchange, key, ErrUnroutable, ret.ReplyCode, ret.ReplyText)
	default:
	}
	return nil
}

// Close closes the publish channel; the connection is owned by the caller.
func (p *Publisher) Close() error {
	return p.ch.Close()
}
