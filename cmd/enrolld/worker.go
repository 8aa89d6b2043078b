package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"enrolld/internal/enrollment/consumer"
	enrollmentmetrics "enrolld/internal/enrollment/metrics"
	"enrolld/internal/enrollment/processor"
	"enrolld/internal/platform/httpserver"
	"enrolld/internal/platform/metrics"
	"enrolld/pkg/platform/httputil"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume enrollment events from RabbitMQ",
		Long: "Consumes the enrollment queue until SIGINT or SIGTERM, then stops taking new\n" +
			"deliveries and waits up to WORKER_DRAIN_TIMEOUT for in-flight ones.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
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

	reg := metrics.NewRegistry()
	m := enrollmentmetrics.New(reg)

	proc := processor.New(st, d.groups,
		processor.WithLocker(locker),
		processor.WithLogger(d.logger),
		processor.WithMetrics(m),
		processor.WithMaxOrderingRetries(d.cfg.Retry.MaxOrdering),
	)
	c := consumer.New(d.cfg.Rabbit.URL, consumer.Config{
		Topology:       d.topology(),
		ConsumerTag:    d.cfg.Rabbit.ConsumerTag,
		Concurrency:    d.cfg.Worker.Concurrency,
		Prefetch:       d.cfg.Worker.Prefetch,
		DrainTimeout:   d.cfg.Worker.DrainTimeout,
		BaseDelay:      d.cfg.Retry.BaseDelay,
		MaxDelay:       d.cfg.Retry.MaxDelay,
		ReconnectMax:   d.cfg.Rabbit.ReconnectMax,
		PublishTimeout: d.cfg.Rabbit.PublishTimeout,
	}, proc, d.logger, m)

	admin := chi.NewRouter()
	admin.Handle("/metrics", metrics.Handler(reg))
	admin.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range d.checks {
			if err := check.Probe(r.Context()); err != nil {
				httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{check.Name: err.Error()})
				return
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	srv := httpserver.New(d.cfg.HTTP.AdminAddr, admin)

	d.logger.Info("worker starting",
		"queue", d.cfg.Rabbit.Queue,
		"concurrency", d.cfg.Worker.Concurrency,
		"store", d.cfg.Store.Backend,
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return httpserver.Serve(gctx, srv, d.cfg.HTTP.ShutdownTimeout, d.logger) })
	return g.Wait()
}
