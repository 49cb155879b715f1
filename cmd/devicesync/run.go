package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Jelling-test/flytining/internal/api"
	"github.com/Jelling-test/flytining/internal/audit"
	"github.com/Jelling-test/flytining/internal/authz"
	"github.com/Jelling-test/flytining/internal/command"
	"github.com/Jelling-test/flytining/internal/devicesync"
	"github.com/Jelling-test/flytining/internal/enforce"
	"github.com/Jelling-test/flytining/internal/infrastructure/config"
	"github.com/Jelling-test/flytining/internal/infrastructure/influxdb"
	"github.com/Jelling-test/flytining/internal/infrastructure/logging"
	"github.com/Jelling-test/flytining/internal/infrastructure/metrics"
	"github.com/Jelling-test/flytining/internal/infrastructure/mqtt"
	"github.com/Jelling-test/flytining/internal/meter"
	"github.com/Jelling-test/flytining/internal/z2m"
)

// run is the service lifecycle, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting device sync",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"base_topics", cfg.Sync.BaseTopics,
		"power_security", cfg.Sync.PowerSecurity,
	)

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "dialect", db.Dialect().String())

	m := metrics.New()
	qos := byte(cfg.MQTT.QoS)
	ignore := meter.NewIgnoreList(cfg.Sync.IgnoreNames...)

	var influx *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influx, err = influxdb.Connect(ctx, cfg.InfluxDB, influxdb.WithErrorHandler(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		}))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influx.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	bus := mqtt.New(cfg.MQTT)
	bus.SetLogger(log.Component("mqtt"))
	bus.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	meters := meter.NewSQLRepository(db)
	attempts := audit.NewSQLRepository(db)

	cache := authz.New(meters, cfg.Sync.CacheTTL,
		authz.WithLogger(log.Component("authz")),
		authz.WithObserver(m),
	)

	reconcilerOpts := []meter.ReconcilerOption{
		meter.WithLogger(log.Component("reconciler")),
		meter.WithObserver(m),
	}
	enforcerOpts := []enforce.Option{
		enforce.WithLogger(log.Component("enforcer")),
		enforce.WithObserver(m),
	}
	if influx != nil {
		reconcilerOpts = append(reconcilerOpts, meter.WithAvailabilityWriter(influx))
		enforcerOpts = append(enforcerOpts, enforce.WithPointWriter(influx))
	}
	reconciler := meter.NewReconciler(meters, ignore, reconcilerOpts...)
	enforcer := enforce.New(enforce.Config{
		Enabled: cfg.Sync.PowerSecurity,
		Ignore:  ignore,
		QoS:     qos,
	}, cache, bus, attempts, enforcerOpts...)

	refresher := devicesync.NewRefresher(bus, cfg.Sync.BaseTopics,
		cfg.Sync.RefreshRequestRate, cfg.Sync.RefreshRequestBurst, qos, log.Component("refresh"))
	router := z2m.NewRouter(cfg.Sync.BaseTopics, ignore, enforcer, reconciler, refresher,
		z2m.WithLogger(log.Component("router")),
		z2m.WithObserver(m),
	)
	svc := devicesync.New(devicesync.Config{
		BaseTopics:      cfg.Sync.BaseTopics,
		PowerSecurity:   cfg.Sync.PowerSecurity,
		QoS:             qos,
		RefreshInterval: cfg.Sync.RefreshInterval,
		HealthInterval:  cfg.Sync.HealthInterval,
	}, bus, router, refresher, cache,
		devicesync.WithGauges(m),
		devicesync.WithLogger(log.Component("sync")),
	)

	commands := command.NewSQLRepository(db)

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			Logger:   log.Component("api"),
			DB:       db,
			MQTT:     bus,
			Meters:   meters,
			Attempts: attempts,
			Cache:    cache,
			Commands: commands,
			Metrics:  m.Handler(),
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })

	if cfg.Commands.Enabled {
		dispatcher := command.NewDispatcher(command.Config{
			PollInterval: cfg.Commands.PollInterval,
			BatchSize:    cfg.Commands.BatchSize,
			QoS:          qos,
		}, commands, meters, bus,
			command.WithObserver(m),
			command.WithLogger(log.Component("commands")),
		)
		g.Go(func() error { return dispatcher.Run(gctx) })
	} else {
		log.Info("command dispatcher disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("device sync stopped")
	return nil
}
