package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caflabs/packd/internal/logger"
	"github.com/caflabs/packd/pkg/api"
	"github.com/caflabs/packd/pkg/blobstore"
	"github.com/caflabs/packd/pkg/cafcache"
	"github.com/caflabs/packd/pkg/catalog"
	"github.com/caflabs/packd/pkg/config"
	"github.com/caflabs/packd/pkg/metrics"
	prommetrics "github.com/caflabs/packd/pkg/metrics/prometheus"
	"github.com/caflabs/packd/pkg/objectstore/s3"
	"github.com/caflabs/packd/pkg/pipeline"
	"github.com/caflabs/packd/pkg/pipeline/amqp"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the packd worker",
	Long: `Start the packing pipeline and the retrieval HTTP server.

The worker consumes upload requests from the configured queue, packs the
referenced files into containers, ships full containers to the blob
service, and serves packed files on port 6700 + worker_id.

Examples:
  # Start with default config location
  packd start

  # Start with custom config file
  packd start --config /etc/packd/config.yaml

  # Override config via environment
  PACKD_LOGGING_LEVEL=DEBUG packd start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("packd starting",
		logger.KeyWorkerID, cfg.WorkerID,
		"chain_mode", cfg.ChainMode,
		"version", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	// Catalog first: without the identity row nothing else can run.
	cat, err := catalog.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() {
		if err := cat.Close(); err != nil {
			logger.Error("catalog close error", "error", err)
		}
	}()

	worker, err := cat.GetWorker(ctx, cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("worker identity lookup failed (is worker %d registered?): %w",
			cfg.WorkerID, err)
	}
	logger.Info("worker identity loaded", logger.KeyWorkerID, worker.ID, "address", worker.Address)

	blobs := blobstore.NewClient(blobstore.Config{
		ChainMode:  blobstore.ChainMode(cfg.ChainMode),
		WorkerHome: worker.Address,
		Seed:       worker.Seed,
	})

	objects, err := s3.New(ctx, s3.Config{
		Endpoint:       cfg.S3.Endpoint,
		Region:         cfg.S3.Region,
		Bucket:         cfg.S3.Bucket,
		AccessKey:      cfg.S3.AccessKey,
		SecretKey:      cfg.S3.SecretKey,
		ForcePathStyle: cfg.S3.ForcePathStyle,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize object store client: %w", err)
	}

	pipe, err := pipeline.New(pipeline.Config{
		MaxContainerSizeGB: cfg.Packing.MaxContainerSizeGB,
		InactivityTimeout:  cfg.Packing.InactivityTimeout,
		BatchLimit:         cfg.Packing.BatchLimit,
		CopyTimeout:        cfg.Packing.CopyTimeout,
		TempDir:            cfg.Packing.TempDir,
		WorkerID:           catalog.WorkerIDString(cfg.WorkerID),
	}, objects, blobs, cat, prommetrics.NewPipelineMetrics())
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	consumer := amqp.NewConsumer(amqp.Config{
		URL:            cfg.AMQP.URL,
		Queue:          cfg.AMQP.Queue,
		Prefetch:       cfg.AMQP.Prefetch,
		ReconnectDelay: cfg.AMQP.ReconnectDelay,
	})

	cache, err := cafcache.NewDiskCache(cfg.Facade.CacheDir, cfg.Facade.KeepContainers)
	if err != nil {
		return fmt.Errorf("failed to initialize container cache: %w", err)
	}
	proofs := cafcache.NewProofCache(cafcache.DefaultProofTTL, cafcache.DefaultSweepInterval)
	defer proofs.Close()

	handler := api.NewHandler(cat, blobs, cache, proofs,
		cfg.WorkerID, cfg.Facade.DownloadTimeout, prommetrics.NewFacadeMetrics())

	server := api.NewServer(api.Config{
		Port:            api.PortForWorker(cfg.WorkerID),
		DownloadTimeout: cfg.Facade.DownloadTimeout,
		AllowedOrigins:  cfg.Facade.AllowedOrigins,
	}, handler)

	errChan := make(chan error, 3)

	go func() {
		if err := consumer.Run(ctx, pipe); err != nil {
			errChan <- fmt.Errorf("queue consumer failed: %w", err)
		}
	}()
	go func() {
		if err := server.Start(ctx); err != nil {
			errChan <- err
		}
	}()
	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Port); err != nil {
				errChan <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("worker is running", "facade_port", api.PortForWorker(cfg.WorkerID))

	select {
	case sig := <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errChan:
		signal.Stop(sigChan)
		logger.Error("component failed, shutting down", "error", err)
		cancel()
		flushPipeline(pipe)
		return err
	}

	cancel()

	// Ship whatever is pending before exiting so deliveries that already
	// streamed into the open container are acked rather than redelivered.
	flushPipeline(pipe)

	logger.Info("worker stopped gracefully")
	return nil
}

func flushPipeline(pipe *pipeline.Pipeline) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pipe.Flush(flushCtx); err != nil {
		logger.Error("final flush failed, pending deliveries requeued", "error", err)
	}
}
