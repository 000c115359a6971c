package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/mcdev12/examengine/go/internal/attempt"
	"github.com/mcdev12/examengine/go/internal/catalog"
	"github.com/mcdev12/examengine/go/internal/config"
	"github.com/mcdev12/examengine/go/internal/dbconfig"
	"github.com/mcdev12/examengine/go/internal/leader"
	"github.com/mcdev12/examengine/go/internal/outbox"
	"github.com/mcdev12/examengine/go/internal/stats"
	"github.com/mcdev12/examengine/go/internal/tabsync"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Infra is every external dependency the engine talks to.
type Infra struct {
	Store     attempt.Store
	Catalog   catalog.Source
	Stats     stats.Sink
	Outbox    outbox.Repository
	Notifier  outbox.Notifier
	Publisher outbox.Publisher
	Channel   tabsync.Channel
	Claims    leader.ClaimStore

	closers []func() error
}

func (i *Infra) onClose(fn func() error) {
	i.closers = append(i.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (i *Infra) Close() error {
	var errs []error
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setupInfra(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (*Infra, error) {
	infra := &Infra{}
	var err error

	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		err = setupPostgres(ctx, cfg, infra)
	default:
		err = setupMemory(cfg, infra, clock)
	}
	if err == nil {
		err = setupMessaging(ctx, cfg, infra, clock)
	}
	if err != nil {
		infra.Close()
		return nil, err
	}
	return infra, nil
}

func setupMemory(cfg *config.Config, infra *Infra, clock clockwork.Clock) error {
	cat := catalog.NewMemorySource()
	if cfg.Storage.SeedFile != "" {
		n, err := cat.LoadSeedFile(cfg.Storage.SeedFile)
		if err != nil {
			return err
		}
		log.Info().Int("modules", n).Str("file", cfg.Storage.SeedFile).Msg("loaded question bank")
	}

	repo := outbox.NewMemoryRepository(clock)
	infra.Store = attempt.NewMemoryStore(clock)
	infra.Catalog = cat
	infra.Stats = stats.NewMemorySink()
	infra.Outbox = repo
	infra.Notifier = outbox.NewMemoryNotifier(repo)
	log.Warn().Msg("using in-memory storage; attempts are lost on restart")
	return nil
}

func setupPostgres(ctx context.Context, cfg *config.Config, infra *Infra) error {
	dbCfg := dbconfig.NewConfigFromEnv()

	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return fmt.Errorf("failed to create database connection: %w", err)
	}
	infra.onClose(db.Close)
	db.SetMaxOpenConns(dbCfg.MaxConns)
	db.SetConnMaxLifetime(dbCfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	poolCfg, err := dbCfg.PoolConfig()
	if err != nil {
		return err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("failed to create stats pool: %w", err)
	}
	infra.onClose(func() error { pool.Close(); return nil })

	store := attempt.NewPostgresStore(db)
	source := catalog.NewPostgresSource(db)
	repo := outbox.NewPostgresRepository(db)
	sink := stats.NewPostgresSink(pool)

	if cfg.Storage.Migrate {
		for name, migrate := range map[string]func(context.Context) error{
			"attempts": store.Migrate,
			"catalog":  source.Migrate,
			"outbox":   repo.Migrate,
			"stats":    sink.Migrate,
		} {
			if err := migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate %s: %w", name, err)
			}
		}
	}

	relayCfg := relayConfig(cfg)
	relayCfg.DatabaseURL = dbCfg.DSN()
	notifier, err := outbox.NewPostgresNotifier(relayCfg)
	if err != nil {
		return fmt.Errorf("failed to listen for outbox events: %w", err)
	}

	infra.Store = store
	infra.Catalog = source
	infra.Stats = sink
	infra.Outbox = repo
	infra.Notifier = notifier

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")
	return nil
}

// setupMessaging picks the tab channel, the leader claim store and the outbox
// publisher. Without NATS or Redis everything stays in process.
func setupMessaging(ctx context.Context, cfg *config.Config, infra *Infra, clock clockwork.Clock) error {
	if cfg.Redis.Enabled {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		infra.onClose(rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		infra.Claims = leader.NewRedisStore(rdb, cfg.Redis.KeyPrefix)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("leader claims stored in redis")
	} else {
		infra.Claims = leader.NewMemoryStore(clock)
	}

	if !cfg.NATS.Enabled {
		bus := tabsync.NewMemoryBus()
		infra.onClose(bus.Close)
		infra.Channel = bus
		infra.Publisher = outbox.NewLogPublisher()
		return nil
	}

	natsCfg := tabsync.DefaultNATSConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Subject = cfg.NATS.TabSubject
	bus, err := tabsync.NewNATSBus(natsCfg)
	if err != nil {
		return fmt.Errorf("failed to connect tab channel: %w", err)
	}
	infra.onClose(bus.Close)
	infra.Channel = bus

	jsCfg := outbox.DefaultJetStreamConfig()
	jsCfg.URL = cfg.NATS.URL
	jsCfg.StreamName = cfg.NATS.Stream
	jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix
	pub, err := outbox.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		return fmt.Errorf("failed to create outbox publisher: %w", err)
	}
	infra.onClose(pub.Close)
	infra.Publisher = pub

	log.Info().Str("url", cfg.NATS.URL).Str("stream", jsCfg.StreamName).Msg("connected to NATS")
	return nil
}

func relayConfig(cfg *config.Config) outbox.RelayConfig {
	rc := outbox.DefaultRelayConfig()
	if cfg.Engine.OutboxPoll > 0 {
		rc.FallbackInterval = cfg.Engine.OutboxPoll
	}
	rc.MaxRetries = cfg.Engine.RetryAttempts
	rc.RetryDelay = cfg.Engine.RetryDelay
	return rc
}
