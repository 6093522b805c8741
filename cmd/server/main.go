package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"veil/internal/anonymity"
	"veil/internal/audit"
	"veil/internal/identity"
	"veil/internal/identity/vault"
	"veil/internal/platform/config"
	"veil/internal/platform/httpserver"
	"veil/internal/platform/logger"
	"veil/internal/platform/metrics"
	"veil/internal/platform/middleware"
	platformredis "veil/internal/platform/redis"
	"veil/internal/report"
	"veil/internal/retention"
	"veil/internal/reveal"
	"veil/internal/reveal/token"
	"veil/internal/team"
	httptransport "veil/internal/transport/http"
)

// main wires dependencies and runs the HTTP server, retention scheduler and
// audit worker until a termination signal arrives. Business logic lives in
// the internal services.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	sealer, err := vault.NewSealer([]byte(cfg.Vault.MasterSecret))
	if err != nil {
		return err
	}

	// Stores default to in-memory; a configured DSN switches everything to
	// postgres so case state and due timers survive restarts together.
	var (
		db             *sql.DB
		identityStore  identity.Store
		caseStore      reveal.CaseStore
		retentionStore retention.Store
		auditStore     audit.Store
	)
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		identityStore = identity.NewPostgres(db)
		caseStore = reveal.NewPostgresCaseStore(db)
		retentionStore = retention.NewPostgres(db)
		auditStore = audit.NewPostgres(db)
		log.Info("postgres stores enabled")
	} else {
		identityStore = identity.NewInMemoryStore()
		caseStore = reveal.NewInMemoryCaseStore()
		retentionStore = retention.NewInMemoryStore()
		auditStore = audit.NewInMemoryStore()
		log.Warn("running with in-memory stores; state is lost on restart")
	}

	auditOpts := []audit.Option{audit.WithLogger(log)}
	if len(cfg.Kafka.Brokers) > 0 {
		// The relay worker feeds off the publisher inbox; without the
		// buffer no event would ever reach the Kafka sink.
		auditOpts = append(auditOpts, audit.WithSinkBuffer(256))
	}
	auditor := audit.NewPublisher(auditStore, auditOpts...)

	var tokenRegistry token.Registry
	if cfg.Redis.URL != "" {
		redisClient, err := platformredis.New(cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		tokenRegistry = token.NewRedisRegistry(redisClient)
		log.Info("redis token registry enabled")
	} else {
		tokenRegistry = token.NewInMemoryRegistry()
	}

	identities, err := identity.New(identityStore, sealer,
		identity.WithLogger(log),
		identity.WithMetrics(m),
		identity.WithAuditPublisher(auditor),
	)
	if err != nil {
		return err
	}

	scheduler, err := retention.NewScheduler(retentionStore,
		retention.WithLogger(log),
		retention.WithMetrics(m),
		retention.WithAuditPublisher(auditor),
		retention.WithPollInterval(cfg.Retention.PollInterval),
		retention.WithRetryBudget(cfg.Retention.RetryBudget, cfg.Retention.RetryBase),
	)
	if err != nil {
		return err
	}

	minter, err := token.NewMinter([]byte(cfg.Token.SigningKey), cfg.Token.MaxTTL, tokenRegistry)
	if err != nil {
		return err
	}

	protocols := reveal.NewInMemoryProtocolRegistry()
	if err := reveal.RegisterBuiltins(protocols); err != nil {
		return err
	}
	teams := team.NewInMemoryRegistry()

	engine, err := reveal.NewEngine(caseStore, protocols, identities, teams,
		scheduler, minter, sealer,
		reveal.WithLogger(log),
		reveal.WithMetrics(m),
		reveal.WithAuditPublisher(auditor),
	)
	if err != nil {
		return err
	}

	reports, err := report.NewGenerator(identities, engine, auditor, report.WithLogger(log))
	if err != nil {
		return err
	}

	rules := anonymity.NewEngine(anonymity.WithLogger(log))
	if err := anonymity.DefaultRules(rules); err != nil {
		return err
	}
	evaluator := anonymity.NewEvaluator(rules, identities, engine, auditor,
		anonymity.WithEvaluatorLogger(log))

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Limit > 0 {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	router := httptransport.NewRouter(log, m, limiter,
		httptransport.NewIdentityHandler(identities, reports, evaluator, log),
		httptransport.NewCaseHandler(engine, log),
		httptransport.NewTeamHandler(teams, cfg.Server.AdminToken, log),
	)
	srv := httpserver.New(cfg.Server.Addr, router)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	if len(cfg.Kafka.Brokers) > 0 {
		sink, err := audit.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return err
		}
		defer sink.Close()
		worker := audit.NewWorker(sink, auditor.Inbox(), log)
		g.Go(func() error {
			return worker.Run(ctx)
		})
		log.Info("kafka audit sink enabled", "topic", cfg.Kafka.Topic)
	}

	g.Go(func() error {
		log.Info("starting server", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
