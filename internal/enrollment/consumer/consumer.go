// Package consumer binds the processor to RabbitMQ. It is the only place
// where outcomes become broker acknowledgements:
//
//	Applied   -> ack
//	Rejected  -> publish to the dead-letter exchange, then ack
//	Retryable -> publish to the retry queue with a delay, then ack
//
// A failed republish nacks the original with requeue, so a delivery is only
// ever removed from the main queue once its successor is confirmed.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"enrolld/internal/enrollment/codec"
	"enrolld/internal/enrollment/metrics"
	"enrolld/internal/enrollment/processor"
	"enrolld/internal/platform/rabbitmq"
)

// Processor is the part of processor.Processor the consumer needs.
type Processor interface {
	Process(ctx context.Context, payload []byte, attempt processor.Attempt) processor.Outcome
}

// Publisher sends a confirmed, mandatory message.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Ack actions, used as metric labels.
const (
	actionAck        = "ack"
	actionRetry      = "retry"
	actionDeadLetter = "dead_letter"
	actionRequeue    = "requeue"
)

// Config sizes the consumer and shapes redelivery.
type Config struct {
	Topology     rabbitmq.Topology
	ConsumerTag  string
	Concurrency  int
	Prefetch     int
	DrainTimeout time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	// ReconnectMax caps the backoff between broker dial attempts.
	ReconnectMax   time.Duration
	PublishTimeout time.Duration
}

// Consumer runs a fixed pool of workers over one broker connection and
// reconnects when the connection drops.
type Consumer struct {
	url     string
	cfg     Config
	proc    Processor
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func New(url string, cfg Config, proc Processor, logger *slog.Logger, m *metrics.Metrics) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Prefetch < cfg.Concurrency {
		cfg.Prefetch = cfg.Concurrency
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "enrolld-worker"
	}
	return &Consumer{
		url:     url,
		cfg:     cfg,
		proc:    proc,
		logger:  logger,
		metrics: m,
	}
}

// Run consumes until ctx is cancelled. Connection loss triggers a reconnect
// with backoff; unacknowledged deliveries are redelivered by the broker.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		conn, err := rabbitmq.Dial(ctx, c.url, c.cfg.ReconnectMax, c.logger)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.metrics.IncrementReconnect()
		c.logger.Info("rabbitmq connected", "queue", c.cfg.Topology.Queue)

		err = c.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		c.logger.Warn("rabbitmq session ended, reconnecting", "error", errString(err))
	}
}

// session consumes over one connection until it closes or ctx is cancelled.
func (c *Consumer) session(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := rabbitmq.Declare(ch, c.cfg.Topology); err != nil {
		return err
	}
	pub, err := rabbitmq.NewPublisher(conn, c.cfg.PublishTimeout)
	if err != nil {
		return err
	}
	defer pub.Close()

	deliveries, err := ch.Consume(c.cfg.Topology.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Topology.Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	return c.serve(ctx, ch, pub, deliveries, closed)
}

// canceller stops the broker from sending further deliveries.
type canceller interface {
	Cancel(consumer string, noWait bool) error
}

// serve runs the worker pool over deliveries until the channel closes, the
// connection reports closed, or ctx is cancelled. On cancellation it stops
// new deliveries and waits up to DrainTimeout for in-flight work.
func (c *Consumer) serve(ctx context.Context, ch canceller, pub Publisher, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	// In-flight work must outlive shutdown so it can finish inside the drain
	// window; abandon cancels it when the window closes.
	workCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	var g errgroup.Group
	for range c.cfg.Concurrency {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					c.handle(workCtx, pub, d)
				}
			}
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	select {
	case <-done:
		select {
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
		default:
		}
		return errors.New("delivery channel closed")
	case amqpErr := <-closed:
		<-done
		if amqpErr == nil {
			return errors.New("connection closed")
		}
		return amqpErr
	case <-ctx.Done():
	}

	// Stop new deliveries, then give in-flight ones the drain window.
	if err := ch.Cancel(c.cfg.ConsumerTag, false); err != nil {
		c.logger.Warn("cancel consumer failed", "error", err.Error())
	}
	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.logger.Info("in-flight deliveries drained")
	case <-timer.C:
		abandon()
		c.logger.Warn("drain timeout exceeded, abandoning in-flight deliveries", "timeout", c.cfg.DrainTimeout.String())
		<-done
	}
	return nil
}

// handle processes one delivery and settles it exactly once.
func (c *Consumer) handle(ctx context.Context, pub Publisher, d amqp.Delivery) {
	c.metrics.IncInFlight()
	defer c.metrics.DecInFlight()

	ctx = otel.GetTextMapPropagator().Extract(ctx, rabbitmq.HeaderCarrier(d.Headers))
	retries := rabbitmq.HeaderInt(d.Headers, rabbitmq.HeaderRetryCount)
	infraRetries := rabbitmq.HeaderInt(d.Headers, rabbitmq.HeaderInfraRetryCount)

	out := c.proc.Process(ctx, d.Body, processor.Attempt{OrderingRetries: retries})
	log := c.logger.With(
		"message_id", out.MessageID,
		"delivery_tag", d.DeliveryTag,
		"outcome", out.Kind.String(),
	)

	switch out.Kind {
	case processor.Applied:
		c.settle(log, d, actionAck, d.Ack(false))

	case processor.Rejected:
		if err := pub.Publish(ctx, c.cfg.Topology.DeadLetterExchange(), c.cfg.Topology.RoutingKey, deadLetter(d, out)); err != nil {
			log.Error("dead-letter publish failed, requeueing", "reason", string(out.Reason), "error", err.Error())
			c.settle(log, d, actionRequeue, d.Nack(false, true))
			return
		}
		log.Warn("message dead-lettered", "reason", string(out.Reason))
		c.settle(log, d, actionDeadLetter, d.Ack(false))

	case processor.Retryable:
		var attempt int
		if out.CountsAgainstBudget() {
			retries++
			attempt = retries
		} else {
			infraRetries++
			attempt = infraRetries
		}
		delay := RetryDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		msg := retry(d, retries, infraRetries, delay)
		if err := pub.Publish(ctx, "", c.cfg.Topology.RetryQueue(), msg); err != nil {
			log.Error("retry publish failed, requeueing", "reason", string(out.Reason), "error", err.Error())
			c.settle(log, d, actionRequeue, d.Nack(false, true))
			return
		}
		log.Info("message scheduled for retry", "reason", string(out.Reason), "retries", retries, "infra_retries", infraRetries, "delay", delay.String())
		c.settle(log, d, actionRetry, d.Ack(false))
	}
}

func (c *Consumer) settle(log *slog.Logger, d amqp.Delivery, action string, err error) {
	if err != nil {
		// The broker redelivers once the channel closes.
		log.Error("acknowledge failed", "action", action, "error", err.Error())
		return
	}
	c.metrics.IncrementAck(action)
}

// RetryDelay is base * 2^(attempt-1), capped at maxDelay.
func RetryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}

func retry(d amqp.Delivery, retries, infraRetries int, delay time.Duration) amqp.Publishing {
	headers := copyHeaders(d.Headers)
	headers[rabbitmq.HeaderRetryCount] = int32(retries)
	headers[rabbitmq.HeaderInfraRetryCount] = int32(infraRetries)
	msg := republish(d, headers)
	msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	return msg
}

func deadLetter(d amqp.Delivery, out processor.Outcome) amqp.Publishing {
	headers := copyHeaders(d.Headers)
	headers[rabbitmq.HeaderRejectionReason] = string(out.Reason)
	headers[rabbitmq.HeaderRejectionDetail] = out.Detail()
	original := out.MessageID
	if original == "" {
		original = d.MessageId
	}
	headers[rabbitmq.HeaderOriginalMessageID] = original
	return republish(d, headers)
}

func republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	contentType := d.ContentType
	if contentType == "" {
		contentType = codec.ContentType
	}
	return amqp.Publishing{
		Headers:       headers,
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	}
}

func copyHeaders(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+3)
	for k, v := range h {
		out[k] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
