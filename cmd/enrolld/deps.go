package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"enrolld/internal/enrollment/agegroup"
	"enrolld/internal/enrollment/handler"
	"enrolld/internal/enrollment/lock"
	"enrolld/internal/enrollment/store"
	"enrolld/internal/enrollment/store/memory"
	mongostore "enrolld/internal/enrollment/store/mongo"
	pgstore "enrolld/internal/enrollment/store/postgres"
	"enrolld/internal/platform/config"
	"enrolld/internal/platform/logger"
	"enrolld/internal/platform/mongo"
	"enrolld/internal/platform/postgres"
	"enrolld/internal/platform/rabbitmq"
	"enrolld/internal/platform/redis"
	"enrolld/internal/platform/tracing"
)

// deps holds what every long-running subcommand builds from the environment.
// close releases resources in reverse order of acquisition.
type deps struct {
	cfg     config.App
	logger  *slog.Logger
	groups  *agegroup.Table
	checks  []handler.Check
	closers []func() error
}

func bootstrap(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	d := &deps{
		cfg:    cfg,
		logger: logger.New(cfg.Log.SlogLevel(), cfg.Log.Format),
		groups: agegroup.Default(),
	}
	if cfg.AgeGroupsFile != "" {
		groups, err := agegroup.LoadFile(cfg.AgeGroupsFile)
		if err != nil {
			return nil, err
		}
		d.groups = groups
		d.logger.Info("age group table loaded", "file", cfg.AgeGroupsFile, "groups", len(groups.Groups()))
	}

	shutdown, err := tracing.Init(ctx, cfg.Tracing, version)
	if err != nil {
		return nil, err
	}
	d.onClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return shutdown(ctx)
	})
	return d, nil
}

func (d *deps) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func (d *deps) addCheck(name string, probe func(context.Context) error) {
	d.checks = append(d.checks, handler.Check{Name: name, Probe: probe})
}

func (d *deps) close() {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i]())
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Warn("shutdown incomplete", "error", err.Error())
	}
}

func (d *deps) topology() rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:   d.cfg.Rabbit.Exchange,
		Queue:      d.cfg.Rabbit.Queue,
		RoutingKey: d.cfg.Rabbit.RoutingKey,
	}
}

// openStore connects the configured repository backend.
func (d *deps) openStore(ctx context.Context) (store.Store, error) {
	switch d.cfg.Store.Backend {
	case config.BackendMemory:
		d.logger.Warn("using in-memory store; records are lost on restart")
		st := memory.New()
		d.addCheck("store", st.Ping)
		return st, nil

	case config.BackendMongo:
		client, err := mongo.New(ctx, d.cfg.Mongo)
		if err != nil {
			return nil, err
		}
		d.onClose(client.Close)
		st, err := mongostore.New(ctx, client.Database())
		if err != nil {
			return nil, err
		}
		d.addCheck("store", st.Ping)
		return st, nil

	case config.BackendPostgres:
		db, err := postgres.Open(ctx, d.cfg.Postgres)
		if err != nil {
			return nil, err
		}
		d.onClose(db.Close)
		st := pgstore.New(db)
		d.addCheck("store", st.Ping)
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", d.cfg.Store.Backend)
	}
}

// openLocker returns a Redis lock when REDIS_URL is set so several workers
// and API replicas serialize per identity; otherwise an in-process lock.
func (d *deps) openLocker(ctx context.Context) (lock.Locker, error) {
	client, err := redis.New(ctx, d.cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		d.logger.Info("identity lock is in-process; run a single replica")
		return lock.NewLocal(), nil
	}
	d.onClose(client.Close)
	d.addCheck("redis", client.Health)
	return lock.NewRedis(client.Client,
		lock.WithTTL(d.cfg.Redis.LockTTL),
		lock.WithWait(d.cfg.Redis.LockWait),
		lock.WithRedisLogger(d.logger),
	), nil
}
