package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-chi/chi/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"enrolld/internal/enrollment/handler"
	enrollmentmetrics "enrolld/internal/enrollment/metrics"
	"enrolld/internal/enrollment/service"
	"enrolld/internal/platform/httpserver"
	"enrolld/internal/platform/metrics"
	"enrolld/internal/platform/rabbitmq"
)

// brokerConnectTimeout bounds how long the API waits for RabbitMQ before it
// starts without the asynchronous request endpoint.
const brokerConnectTimeout = 30 * time.Second

func newAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the enrollment HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAPI(cmd.Context())
		},
	}
}

func runAPI(ctx context.Context) error {
	d, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer d.close()

	st, err := d.openStore(ctx)
	if err != nil {
		return err
	}
	locker, err := d.openLocker(ctx)
	if err != nil {
		return err
	}

	opts := []service.Option{
		service.WithLogger(d.logger),
		service.WithLocker(locker),
	}
	if pub, err := d.openPublisher(ctx); err != nil {
		d.logger.Warn("asynchronous enrollment requests disabled", "error", err.Error())
	} else {
		opts = append(opts, service.WithPublisher(pub, d.topology()))
	}
	svc := service.New(st, d.groups, opts...)

	reg := metrics.NewRegistry()
	m := enrollmentmetrics.New(reg)

	router := chi.NewRouter()
	handler.New(svc, d.logger, m, d.checks...).Register(router)
	router.Handle("/metrics", metrics.Handler(reg))

	srv := httpserver.New(d.cfg.HTTP.Addr, router)
	return httpserver.Serve(ctx, srv, d.cfg.HTTP.ShutdownTimeout, d.logger)
}

// openPublisher connects to the broker, declares the topology so mandatory
// publishes route, and registers a broker health check.
func (d *deps) openPublisher(ctx context.Context) (*rabbitmq.Publisher, error) {
	dialCtx, cancel := context.WithTimeout(ctx, brokerConnectTimeout)
	defer cancel()
	conn, err := rabbitmq.Dial(dialCtx, d.cfg.Rabbit.URL, d.cfg.Rabbit.ReconnectMax, d.logger)
	if err != nil {
		return nil, err
	}
	d.onClose(conn.Close)
	if err := declare(conn, d.topology()); err != nil {
		return nil, err
	}
	pub, err := rabbitmq.NewPublisher(conn, d.cfg.Rabbit.PublishTimeout)
	if err != nil {
		return nil, err
	}
	d.onClose(pub.Close)
	d.addCheck("rabbitmq", func(context.Context) error {
		if conn.IsClosed() {
			return errors.New("connection closed")
		}
		return nil
	})
	return pub, nil
}

func declare(conn *amqp.Connection, t rabbitmq.Topology) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	return rabbitmq.Declare(ch, t)
}
