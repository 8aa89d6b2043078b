package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names carried on retried and dead-lettered messages.
const (
	HeaderRetryCount        = "x-retry-count"
	HeaderInfraRetryCount   = "x-infra-retry-count"
	HeaderRejectionReason   = "x-rejection-reason"
	HeaderRejectionDetail   = "x-rejection-detail"
	HeaderOriginalMessageID = "x-original-message-id"
)

// Topology names the exchanges and queues of the enrollment pipeline.
//
//	Exchange --RoutingKey--> Queue                      (consumed)
//	""       --RetryQueue--> RetryQueue --(TTL)--> Exchange
//	DeadLetterExchange --RoutingKey--> DeadQueue        (operator inspection)
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

func (t Topology) RetryQueue() string         { return t.Queue + ".retry" }
func (t Topology) DeadLetterExchange() string { return t.Queue + ".dlx" }
func (t Topology) DeadQueue() string          { return t.Queue + ".dead" }

// Channel is the subset of *amqp.Channel needed to declare the topology.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Declare idempotently creates every exchange, queue and binding.
// The main queue dead-letters broker-side rejections to the DLX too, so
// nothing nacked without requeue is dropped.
func Declare(ch Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if err := ch.ExchangeDeclare(t.DeadLetterExchange(), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.DeadLetterExchange(), err)
	}

	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange(),
		"x-dead-letter-routing-key": t.RoutingKey,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", t.Queue, err)
	}

	if _, err := ch.QueueDeclare(t.RetryQueue(), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.RoutingKey,
	}); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.RetryQueue(), err)
	}

	if _, err := ch.QueueDeclare(t.DeadQueue(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DeadQueue(), err)
	}
	if err := ch.QueueBind(t.DeadQueue(), t.RoutingKey, t.DeadLetterExchange(), false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", t.DeadQueue(), err)
	}
	return nil
}

// HeaderInt reads a numeric header, tolerating the integer widths AMQP
// clients use. Missing or non-numeric headers read as zero.
func HeaderInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
