package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/posterflow/internal/aggregate"
	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/config"
	"github.com/tejusbharadwaj/posterflow/internal/dashboard"
	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/etl"
	"github.com/tejusbharadwaj/posterflow/internal/export"
	server "github.com/tejusbharadwaj/posterflow/internal/grpc"
	"github.com/tejusbharadwaj/posterflow/internal/logging"
	"github.com/tejusbharadwaj/posterflow/internal/report"
	"github.com/tejusbharadwaj/posterflow/internal/scheduler"
)

// Command posterflow syncs Poster POS data into a storage sink and serves
// analytics over gRPC and a JSON dashboard.
//
// The service supports:
//   - Paginated extraction of transactions, menu, stock and staff entities
//   - Flattening of transaction and supply line items
//   - PostgreSQL, SQLite, MySQL and Excel workbook sinks
//   - Parquet archives of line items on S3 and run metrics on CloudWatch
//   - Scheduled syncs, a websocket run stream and Prometheus metrics
//
// Usage:
//
//	posterflow [flags]
//
// The flags are:
//
//	-config string
//	      path to config file (default "config.yaml")
//	-once
//	      run a single sync and exit
//	-print-config
//	      print the effective configuration with credentials masked and exit
//	-from, -to string
//	      sync window as YYYY-MM-DD (default: the configured lookback)
func main() {
	flags := parseFlags()

	// Load configuration
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if flags.PrintConfig {
		data, err := cfg.Dump()
		if err != nil {
			log.Fatalf("Failed to print configuration: %v", err)
		}
		os.Stdout.Write(data)
		return
	}

	// Initialize structured logger
	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	if err := run(cfg, flags, logger); err != nil {
		logger.WithError(err).Fatal("Service error")
	}
}

type Flags struct {
	ConfigPath  string
	Once        bool
	PrintConfig bool
	From        string
	To          string
}

func parseFlags() *Flags {
	f := &Flags{}

	flag.StringVar(&f.ConfigPath, "config", "config.yaml", "Path to the config file")
	flag.BoolVar(&f.Once, "once", false, "Run a single sync and exit")
	flag.BoolVar(&f.PrintConfig, "print-config", false, "Print the effective configuration and exit")
	flag.StringVar(&f.From, "from", "", "First day of the sync window (YYYY-MM-DD)")
	flag.StringVar(&f.To, "to", "", "Last day of the sync window (YYYY-MM-DD)")

	flag.Parse()

	return f
}

func run(cfg *config.Config, flags *Flags, logger *logrus.Logger) error {
	loc, err := cfg.Poster.Loc()
	if err != nil {
		return fmt.Errorf("invalid poster.location: %w", err)
	}

	// Create a context that will be canceled on shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := database.Open(database.Options{
		Driver:   cfg.Storage.Driver,
		DSN:      cfg.Storage.DSN,
		Workbook: cfg.Storage.Workbook,
	})
	if err != nil {
		return fmt.Errorf("failed to open sink: %w", err)
	}
	defer sink.Close()

	runs, err := etl.NewRunStore(cfg.Sync.RunHistory)
	if err != nil {
		return fmt.Errorf("failed to create run store: %w", err)
	}
	syncer, err := newSyncer(ctx, cfg, sink, runs, loc, logger)
	if err != nil {
		return err
	}

	window, err := server.NewRequestValidator(nil, loc).Window(flags.From, flags.To)
	if err != nil {
		return fmt.Errorf("invalid -from/-to: %w", err)
	}
	if window.IsZero() {
		window = etl.LastDays(time.Now().In(loc), cfg.Sync.LookbackDays)
	}

	if flags.Once {
		return syncOnce(ctx, syncer, window, cfg.Sync.Entities, logger)
	}

	reports := report.NewBuilder(aggregate.New(loc, logger), cfg.Sync.TopN)
	svc := server.NewAnalyticsService(syncer, runs, reports, sink, loc)
	srv, err := server.SetupServer(svc, server.ServerConfig{
		CacheSize:      cfg.Server.CacheSize,
		RateLimit:      cfg.Server.RateLimit,
		RateLimitBurst: cfg.Server.RateLimitBurst,
	}, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to setup server: %w", err)
	}

	dash := dashboard.NewServer(syncer, runs, reports, sink, loc, logger, dashboard.Options{
		Address:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		AdminPassword: cfg.Server.AdminPassword,
	})

	// Every finished run, whoever started it, drops cached reports and
	// reaches the dashboard stream.
	syncer.AddObserver(etl.ObserverFunc(func(context.Context, *etl.Run) { srv.Cache.Purge() }))
	syncer.AddObserver(dash.Hub())

	sched := scheduler.NewScheduler(ctx, syncer, scheduler.Options{
		Spec:         cfg.Sync.Schedule,
		LookbackDays: cfg.Sync.LookbackDays,
		Entities:     cfg.Sync.Entities,
		Timeout:      cfg.Sync.Timeout,
	}, logger)

	// Start listening
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errChan := make(chan error, 3)

	// Bootstrap the window in a goroutine
	if cfg.Sync.Bootstrap {
		go func() {
			if _, err := syncer.Run(ctx, window, cfg.Sync.Entities); err != nil {
				errChan <- fmt.Errorf("bootstrap error: %w", err)
			}
		}()
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("scheduler error: %w", err)
	}
	defer sched.Stop()

	go func() {
		if err := dash.Run(ctx); err != nil {
			errChan <- fmt.Errorf("dashboard error: %w", err)
		}
	}()

	go func() {
		logger.WithField("address", lis.Addr().String()).Info("Starting gRPC server")
		if err := srv.GRPC.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		stop()
		srv.GracefulStop()
		return err
	}

	logger.Info("Gracefully stopping server...")
	srv.GracefulStop()
	logger.Info("Server stopped")
	return nil
}

func newSyncer(ctx context.Context, cfg *config.Config, sink database.Sink, runs *etl.RunStore, loc *time.Location, logger *logrus.Logger) (*etl.Syncer, error) {
	client := api.NewClient(api.ClientConfig{
		BaseURL: cfg.Poster.BaseURL,
		Token:   cfg.Poster.Token,
		Timeout: cfg.Poster.Timeout,
		Retries: cfg.Poster.Retries,
	}, logger)
	fetcher := api.NewFetcher(client, logger,
		api.WithPageDelay(cfg.Poster.PageDelay),
		api.WithMaxPages(cfg.Poster.MaxPages),
		api.WithMetrics(api.NewMetrics(prometheus.DefaultRegisterer)),
	)
	registry := api.DefaultRegistry(cfg.Poster.PageSize, cfg.Poster.Timeout, cfg.Poster.BulkTimeout)

	opts := []etl.SyncerOption{etl.WithRunStore(runs)}
	if cfg.Export.Enabled {
		s3cfg := export.S3Config{
			Bucket:          cfg.Export.Bucket,
			Region:          cfg.Export.Region,
			Prefix:          cfg.Export.Prefix,
			Endpoint:        cfg.Export.Endpoint,
			PathStyle:       cfg.Export.PathStyle,
			AccessKeyID:     cfg.Export.AccessKeyID,
			SecretAccessKey: cfg.Export.SecretAccessKey,
		}
		s3Client, err := export.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 client: %w", err)
		}
		opts = append(opts, etl.WithArchiver(export.NewArchiver(s3Client, s3cfg, loc, logger)))
	}
	if cfg.Export.Metrics {
		cw, err := export.NewCloudWatchClient(ctx, cfg.Export.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create cloudwatch client: %w", err)
		}
		opts = append(opts, etl.WithObserver(export.NewRunPublisher(cw, cfg.Export.Namespace, logger)))
	}

	return etl.NewSyncer(fetcher, registry, sink, logger, opts...), nil
}

// syncOnce runs one sync and fails when any entity did not complete.
func syncOnce(ctx context.Context, syncer *etl.Syncer, window api.Window, entities []string, logger *logrus.Logger) error {
	run, err := syncer.Run(ctx, window, entities)
	if err != nil {
		return err
	}
	for _, o := range run.Outcomes {
		logger.WithFields(logrus.Fields{
			"entity":        o.Entity,
			"status":        o.Status,
			"fetched":       o.Fetched,
			"written":       o.Written,
			"items_written": o.ItemsWritten,
			"skipped":       o.Skipped,
		}).Info("Entity synced")
	}
	if !run.OK() {
		return fmt.Errorf("sync %s finished with partial results", run.ID)
	}
	return nil
}
