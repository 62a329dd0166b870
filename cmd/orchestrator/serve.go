package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	_ "gocloud.dev/secrets/localsecrets" // base64key:// keeper for local deployments

	"github.com/teamcloud/orchestrator/internal/config"
	"github.com/teamcloud/orchestrator/pkg/callback"
	"github.com/teamcloud/orchestrator/pkg/credentials"
	"github.com/teamcloud/orchestrator/pkg/dispatch"
	"github.com/teamcloud/orchestrator/pkg/lock"
	"github.com/teamcloud/orchestrator/pkg/observability"
	"github.com/teamcloud/orchestrator/pkg/orchestration"
	"github.com/teamcloud/orchestrator/pkg/queue"
	"github.com/teamcloud/orchestrator/pkg/runner"
	"github.com/teamcloud/orchestrator/pkg/serializer"
	"github.com/teamcloud/orchestrator/pkg/sqlite"
	"github.com/teamcloud/orchestrator/pkg/transport"
	"github.com/teamcloud/orchestrator/pkg/workflow"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	telCfg := observability.Config{
		ServiceName:    "orchestrator",
		ServiceVersion: "dev",
		Logger:         logger,
	}
	if cfg.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
			otlptracehttp.WithInsecure())
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		telCfg.TraceExporter = exporter
	}
	tel, err := observability.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	db, err := sqlite.Open(sqlite.WithDSN(cfg.DatabasePath()), sqlite.WithWALMode(true))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	locks := lock.NewManager(sqlite.NewLeaseStore(db), lock.WithTTL(cfg.LeaseTTL))

	natsServer := queue.NewEmbeddedServer(cfg.QueueDir())
	if err := natsServer.Start(ctx); err != nil {
		return fmt.Errorf("start embedded broker: %w", err)
	}
	queueCfg := queue.DefaultConfig()
	queueCfg.URL = natsServer.URL()
	q, err := queue.New(queueCfg)
	if err != nil {
		natsServer.Stop(context.Background())
		return fmt.Errorf("open command queue: %w", err)
	}
	defer q.Close()

	engine := workflow.New(sqlite.NewHistoryStore(db),
		workflow.WithLogger(logger),
		workflow.WithLocks(locks),
		workflow.WithPublisher(q),
		workflow.WithMetrics(tel.Metrics),
	)

	ser := serializer.New(sqlite.NewSerializerStateStore(db), engine, logger)
	defer ser.Close()

	var resolver credentials.Resolver = credentials.Static{}
	if cfg.SecretKeeperURL != "" {
		keeper, err := credentials.NewKeeper(ctx, cfg.SecretKeeperURL)
		if err != nil {
			return fmt.Errorf("open secret keeper: %w", err)
		}
		defer keeper.Close()
		resolver = keeper
	}

	secret, err := cfg.ResolveCallbackSecret()
	if err != nil {
		return err
	}
	registry := callback.NewRegistry(cfg.BaseURL, secret)

	sender := transport.NewSender(
		transport.WithTimeout(cfg.ProviderTimeout),
		transport.WithResolver(resolver),
		transport.WithLogger(logger),
		transport.WithMetrics(tel.Metrics),
	)
	dispatcher := dispatch.New(sender, registry, logger)
	dispatcher.Register(engine)

	templates := orchestration.NewRegistry(
		sqlite.NewDocumentStore(db), nil, ser, dispatcher, logger)
	templates.Register(engine)

	services := []runner.Service{
		queue.NewWorker(q, engine,
			queue.WithConcurrency(cfg.Workers),
			queue.WithWorkerLogger(logger)),
		callback.NewServer(cfg.HTTPAddr, registry, engine, logger),
	}
	r := runner.New(services, runner.WithLogger(logger))
	if err := r.Run(ctx); err != nil {
		natsServer.Stop(context.Background())
		return err
	}
	return natsServer.Stop(context.Background())
}
