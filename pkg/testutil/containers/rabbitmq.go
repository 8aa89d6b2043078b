//go:build integration

package containers

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	tcrabbit "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
)

// RabbitMQContainer wraps a testcontainers RabbitMQ broker.
type RabbitMQContainer struct {
	Container *tcrabbit.RabbitMQContainer
	URL       string
}

func newRabbitMQContainer(t *testing.T) *RabbitMQContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcrabbit.Run(ctx, "rabbitmq:3.13-management-alpine")
	if err != nil {
		t.Fatalf("failed to start rabbitmq container: %v", err)
	}

	url, err := container.AmqpURL(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get amqp url: %v", err)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to dial rabbitmq: %v", err)
	}
	_ = conn.Close()

	return &RabbitMQContainer{Container: container, URL: url}
}

// Dial opens a fresh connection; the caller closes it.
func (r *RabbitMQContainer) Dial(t *testing.T) *amqp.Connection {
	t.Helper()
	conn, err := amqp.Dial(r.URL)
	if err != nil {
		t.Fatalf("failed to dial rabbitmq: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
