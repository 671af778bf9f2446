package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nanogrid/faas-worker/internal/blobstore/s3"
	"github.com/nanogrid/faas-worker/internal/cache/redis"
	"github.com/nanogrid/faas-worker/internal/config"
	"github.com/nanogrid/faas-worker/internal/executor"
	"github.com/nanogrid/faas-worker/internal/limiter"
	"github.com/nanogrid/faas-worker/internal/metricsink/cloudwatch"
	"github.com/nanogrid/faas-worker/internal/pool"
	"github.com/nanogrid/faas-worker/internal/queue"
	natsqueue "github.com/nanogrid/faas-worker/internal/queue/nats"
	"github.com/nanogrid/faas-worker/internal/sandbox/docker"
	"github.com/nanogrid/faas-worker/internal/task"
	"github.com/nanogrid/faas-worker/internal/workspace"
)

// fetchBatchSize bounds how many queue deliveries one Fetch call claims at
// once; each is then run through the executor on its own goroutine.
const fetchBatchSize = 8

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume invocation tasks from the queue and execute them",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
}

func runServer() {
	log.Info().Msg("faas-worker starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	drv, err := docker.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox driver")
	}
	defer drv.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := drv.Healthy(healthCtx); err != nil {
		log.Fatal().Err(err).Msg("sandbox driver health check failed")
	}
	healthCancel()

	store, err := s3.New(ctx, s3.Config{
		Endpoint:        cfg.S3Endpoint,
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		ForcePathStyle:  cfg.S3ForcePathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob store")
	}

	wsManager := &workspace.Manager{BaseDir: cfg.TaskBaseDir, SDKDir: cfg.SDKDir, Store: store}

	if cfg.RedisURL != "" {
		archiveCache, err := redis.New(cfg.RedisURL)
		if err != nil {
			log.Warn().Err(err).Msg("cache unavailable, continuing without it")
		} else {
			defer archiveCache.Close()
			wsManager.Cache = archiveCache
		}
	}

	var metrics *cloudwatch.Sink
	if cfg.MetricsEnabled {
		metrics, err = cloudwatch.New(ctx, cfg.CloudWatchRegion)
		if err != nil {
			log.Warn().Err(err).Msg("metrics sink unavailable, continuing without it")
		} else {
			defer metrics.Close()
		}
	}

	consumer, err := natsqueue.NewConsumer(cfg.NATSURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer consumer.Close()

	results := natsqueue.NewPublisher(consumer.Conn())

	p := pool.New(drv, cfg.Pools)
	if err := p.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("warm pool initial fill failed")
	}
	defer p.Wait()

	lim := limiter.New()

	exec := &executor.Executor{
		Driver:        drv,
		Pool:          p,
		Workspace:     wsManager,
		Store:         store,
		Limiter:       lim,
		WorkerID:      cfg.WorkerID,
		LLMModel:      cfg.LLMModel,
		CostPerMBHour: cfg.CostPerMBHour,
	}
	if metrics != nil {
		exec.Metrics = metrics
	}

	log.Info().Str("worker_id", cfg.WorkerID).Int("concurrency", lim.Total()).Msg("ready, consuming queue")
	consumeLoop(ctx, consumer, results, exec)

	log.Info().Msg("shutdown complete")
}

// consumeLoop pulls batches off the queue until ctx is canceled, running
// each task on its own goroutine so a slow invocation never stalls the
// rest of the batch. It returns once every in-flight task has finished.
func consumeLoop(ctx context.Context, consumer queue.Consumer, results queue.Publisher, exec *executor.Executor) {
	var wg sync.WaitGroup
	for ctx.Err() == nil {
		msgs, err := consumer.Fetch(ctx, fetchBatchSize)
		if err != nil {
			log.Error().Err(err).Msg("queue fetch failed")
			continue
		}
		for _, m := range msgs {
			m := m
			wg.Add(1)
			go func() {
				defer wg.Done()
				handleMessage(ctx, exec, results, m)
			}()
		}
	}
	wg.Wait()
}

func handleMessage(ctx context.Context, exec *executor.Executor, results queue.Publisher, m queue.Message) {
	var t task.Task
	if err := json.Unmarshal(m.Data, &t); err != nil {
		log.Error().Err(err).Msg("malformed task message, acking to drop it")
		_ = m.Ack()
		return
	}

	result := exec.Run(ctx, t)
	log.Info().
		Str("request_id", result.RequestID).
		Bool("success", result.Success).
		Int("exit_code", result.ExitCode).
		Int64("duration_ms", result.DurationMs).
		Msg("task completed")

	if payload, err := json.Marshal(result); err != nil {
		log.Error().Err(err).Str("request_id", t.RequestID).Msg("failed to marshal result")
	} else if err := results.Publish(ctx, natsqueue.ResultSubject, payload); err != nil {
		log.Warn().Err(err).Str("request_id", t.RequestID).Msg("result publish failed")
	}

	if err := m.Ack(); err != nil {
		log.Warn().Err(err).Str("request_id", t.RequestID).Msg("ack failed")
	}
}
