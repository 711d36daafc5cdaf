package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"audiobook-pipeline/internal/config"
	"audiobook-pipeline/internal/media"
	"audiobook-pipeline/internal/pipeline"
	"audiobook-pipeline/internal/queue"
	"audiobook-pipeline/internal/stages"
	"audiobook-pipeline/internal/store"
	"audiobook-pipeline/internal/telemetry"
	workerproc "audiobook-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(rdb, cfg.VisibilityTimeout)

	objects, err := media.NewObjectStore(ctx, cfg)
	if err != nil {
		logger.Error("init object store", "error", err)
		os.Exit(1)
	}
	chunks := media.NewChunkStore(objects, st)

	coord := pipeline.New(st, q, pipeline.Options{
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger)

	synth := stages.NewMockSynthesizer()
	processor := workerproc.New(cfg, q, st, coord, logger)
	processor.Register(&stages.ExtractStage{
		Objects:   objects,
		Extractor: stages.MockExtractor{},
		OCR:       nil,
		Logger:    logger,
	})
	processor.Register(&stages.SegmentStage{
		Segmenter: stages.SentenceSegmenter{},
		MaxChars:  cfg.SegmentMaxChars,
	})
	processor.Register(&stages.SynthesizeStage{
		Synthesizer: synth,
		Models:      stages.NewModelPool(cfg.SynthesisVoices),
		Logger:      logger,
	})
	processor.Register(&stages.TranscodeStage{
		Transcoder: &stages.MockTranscoder{Synth: synth},
		Chunks:     chunks,
		Logger:     logger,
	})
	processor.Register(&stages.FinalizeStage{Chunks: chunks})

	// Pick up books left mid-flight by a previous run before consuming.
	if err := coord.Recover(ctx); err != nil {
		logger.Error("recovery pass", "error", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"visibility", cfg.VisibilityTimeout.String(),
		"backoff_initial", cfg.BackoffInitial.String(),
		"max_attempts", cfg.MaxAttempts)
	if err := processor.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", "error", err)
	}
}
