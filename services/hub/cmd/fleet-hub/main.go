package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fleetd/pkg/bus"
	"fleetd/pkg/crypto"
	"fleetd/pkg/db"
	"fleetd/pkg/envelope"
	gos3 "fleetd/pkg/s3"
	"fleetd/pkg/telemetry"
	"fleetd/services/api"
	"fleetd/services/hub"
	"fleetd/services/hub/config"
	"fleetd/services/hub/pgstore"
)

const serviceName = "fleet-hub"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Central coordinator for fleetd agents",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newKeygenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub HTTP server and background lanes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseDSN == "" {
				return errors.New("DATABASE_DSN is required")
			}
			pool, err := db.Open(ctx, cfg.DatabaseDSN)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a hub private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			pub, err := crypto.DerivePublicKey(key)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "HUB_PRIVATE_KEY=%s\n", key)
			fmt.Fprintf(out, "# public key: %s\n", pub)
			return nil
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	tel, err := telemetry.Init(ctx, telemetry.Options{
		Service:  serviceName,
		Endpoint: cfg.OTLPEndpoint,
		Level:    cfg.LogLevel,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()
	logger := tel.Logger

	engine, err := crypto.NewEngine(cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load hub key: %w", err)
	}

	store, ready, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := hub.NewMetrics(registry)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	deps := hub.Deps{Store: store, Engine: engine, Metrics: metrics, Logger: logger}

	var events *bus.Bus
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer events.Close()
		if err := events.EnsureStream(bus.StreamName, "fleet.>"); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		deps.Bus = events
	}

	var (
		mirror    hub.Mirror
		presigner api.Presigner
	)
	if cfg.S3Bucket != "" {
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		m := gos3.BucketMirror{Client: client, Bucket: cfg.S3Bucket}
		mirror, presigner = m, m
	}

	pipeline, err := hub.NewPipeline(deps, hub.PipelineConfig{Dir: cfg.PackageDir, Mirror: mirror})
	if err != nil {
		return err
	}
	var binary hub.BinarySource
	if cfg.AgentBinaryPath != "" {
		binary = hub.NewAgentBinary(cfg.AgentBinaryPath)
	}
	deployments, err := hub.NewDeployments(deps, hub.DeploymentsConfig{Pipeline: pipeline, Binary: binary})
	if err != nil {
		return err
	}
	enrollment, err := hub.NewEnrollment(deps)
	if err != nil {
		return err
	}
	inventory, err := hub.NewInventory(deps)
	if err != nil {
		return err
	}
	reconciler, err := hub.NewReconciler(deps, cfg.ValidationInterval)
	if err != nil {
		return err
	}
	sealer, err := envelope.NewSealer(engine, hub.AgentDirectory{Store: store})
	if err != nil {
		return err
	}

	recovered, err := pipeline.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover pipeline: %w", err)
	}
	if recovered > 0 {
		logger.Warn().Int("packages", recovered).Msg("interrupted packages requeued for processing")
	}
	if err := enrollment.EnsureRegistrationToken(ctx, cfg.RegistrationToken); err != nil {
		return err
	}
	if err := deployments.SetPollInterval(ctx, cfg.PollInterval); err != nil {
		return err
	}

	lanes, err := buildLanes(cfg, deps, pipeline, reconciler)
	if err != nil {
		return err
	}

	if events != nil {
		trigger, err := hub.NewEventTrigger(deps, reconciler, events)
		if err != nil {
			return err
		}
		if err := trigger.Start(ctx); err != nil {
			return fmt.Errorf("start event trigger: %w", err)
		}
		defer trigger.Close()
	}

	router, err := api.New(api.Services{
		Sealer:      sealer,
		Enrollment:  enrollment,
		Deployments: deployments,
		Inventory:   inventory,
		Pipeline:    pipeline,
		Reconciler:  reconciler,
		Metrics:     metrics,
		Gatherer:    registry,
		Ready:       ready,
		Presigner:   presigner,
		Middleware:  tel.Middleware,
		Logger:      logger,
	}, api.Config{
		AdminToken:     cfg.AdminToken,
		AllowedOrigins: cfg.AllowedOrigins,
		EnrollRate:     cfg.EnrollRate,
	})
	if err != nil {
		return err
	}
	handler, err := router.Routes()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, lane := range lanes {
		wg.Add(1)
		go func(l *hub.Lane) {
			defer wg.Done()
			_ = l.Run(ctx)
		}(lane)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("starting fleet-hub")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("http server")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown server")
	}
	wg.Wait()
	logger.Info().Msg("fleet-hub stopped")
	return nil
}

// openStore returns the Postgres store when a DSN is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (hub.Store, api.Pinger, func(), error) {
	if cfg.DatabaseDSN == "" {
		logger.Warn().Msg("DATABASE_DSN not set; using in-memory store")
		return hub.NewMemoryStore(), nil, func() {}, nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	store, err := pgstore.New(pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	return store, store, pool.Close, nil
}

func buildLanes(cfg config.Config, deps hub.Deps, pipeline *hub.Pipeline, reconciler *hub.Reconciler) ([]*hub.Lane, error) {
	defs := []struct {
		name  string
		every time.Duration
		work  func(context.Context) error
	}{
		{"encryptor", cfg.EncryptEvery, pipeline.EncryptTick},
		{"deleter", cfg.DeleteEvery, pipeline.DeleteTick},
		{"reconciler", cfg.ReconcileEvery, reconciler.Tick},
		{"retention", cfg.RetentionEvery, hub.PurgeAudit(deps, cfg.AuditRetention)},
	}

	lanes := make([]*hub.Lane, 0, len(defs))
	for _, def := range defs {
		lane, err := hub.NewLane(def.name, def.every, def.work, deps.Logger, deps.Metrics)
		if err != nil {
			return nil, fmt.Errorf("lane %s: %w", def.name, err)
		}
		lanes = append(lanes, lane)
	}
	return lanes, nil
}
