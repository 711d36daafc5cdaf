package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"audiobook-pipeline/internal/config"
	"audiobook-pipeline/internal/models"
	"audiobook-pipeline/internal/pipeline"
	"audiobook-pipeline/internal/queue"
	"audiobook-pipeline/internal/stages"
	"audiobook-pipeline/internal/store"
	"audiobook-pipeline/internal/telemetry"
)

// Processor runs one consumer loop per registered stage, executes stage
// runners under a visibility lease, and reports outcomes to the coordinator.
type Processor struct {
	cfg     config.Config
	queue   *queue.RedisQueue
	store   store.Store
	coord   *pipeline.Coordinator
	runners map[models.Stage]stages.Runner
	logger  *slog.Logger
}

func New(cfg config.Config, q *queue.RedisQueue, st store.Store, coord *pipeline.Coordinator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		queue:   q,
		store:   st,
		coord:   coord,
		runners: make(map[models.Stage]stages.Runner),
		logger:  logger,
	}
}

// Register binds a runner to its stage.
func (p *Processor) Register(r stages.Runner) {
	if r == nil {
		return
	}
	p.runners[r.Stage()] = r
}

// Run starts the stage consumers and the queue maintenance loop, blocking
// until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for stage := range p.runners {
		wg.Add(1)
		go func(stage models.Stage) {
			defer wg.Done()
			p.consumeLoop(ctx, stage)
		}(stage)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintenanceLoop(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (p *Processor) consumeLoop(ctx context.Context, stage models.Stage) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobKey, err := p.queue.DequeueWithLease(ctx, stage)
		if err != nil || jobKey == "" {
			if err != nil {
				p.logger.Error("dequeue", "stage", stage, "error", err)
			}
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.handle(ctx, jobKey)
	}
}

func (p *Processor) handle(ctx context.Context, jobKey string) {
	bookID, stage, ok := models.SplitJobKey(jobKey)
	if !ok {
		p.logger.Error("malformed job key", "key", jobKey)
		_ = p.queue.Ack(ctx, jobKey)
		return
	}

	job, err := p.store.GetJob(ctx, bookID, stage)
	if errors.Is(err, store.ErrJobNotFound) {
		// Job row already cleaned up (completed or cancelled elsewhere).
		_ = p.queue.Ack(ctx, jobKey)
		return
	}
	if err != nil {
		p.logger.Error("load job", "key", jobKey, "error", err)
		_ = p.queue.Ack(ctx, jobKey)
		return
	}

	book, err := p.store.GetBook(ctx, bookID)
	if err != nil {
		p.logger.Error("load book", "book_id", bookID, "error", err)
		_ = p.queue.Ack(ctx, jobKey)
		return
	}
	if models.TerminalStatus(book.Status) {
		_ = p.queue.Ack(ctx, jobKey)
		return
	}
	if book.Status == models.StatusCancelling {
		_ = p.queue.Ack(ctx, jobKey)
		p.report(ctx, p.coord.HandleResult(ctx, pipeline.Result{
			BookID: bookID, Stage: stage, Attempt: job.Attempt,
		}), bookID, stage)
		return
	}

	runner, ok := p.runners[stage]
	if !ok {
		// Another worker binary owns this stage; give the lease back.
		p.logger.Warn("no runner for stage, releasing", "stage", stage)
		_ = p.queue.ExtendLease(ctx, jobKey, 0)
		return
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stopBeat := p.startHeartbeat(ctx, jobKey)
	beat := func(ctx context.Context) error {
		return p.queue.ExtendLease(ctx, jobKey, p.cfg.VisibilityTimeout)
	}
	output, runErr := runner.Run(ctx, book, job, beat)
	stopBeat()

	if runErr != nil {
		switch stages.Classify(runErr) {
		case stages.KindPermanent:
			telemetry.StagePermanent.Inc()
		default:
			telemetry.StageTransient.Inc()
		}
		p.report(ctx, p.coord.HandleFailure(ctx, pipeline.Failure{
			BookID: bookID, Stage: stage, Attempt: job.Attempt, Err: runErr,
		}), bookID, stage)
	} else {
		telemetry.StageSuccess.Inc()
		if stage == models.StageTranscode {
			if n, ok := output["chunk_count"].(int); ok {
				telemetry.ChunksProduced.Add(float64(n))
			}
		}
		p.report(ctx, p.coord.HandleResult(ctx, pipeline.Result{
			BookID: bookID, Stage: stage, Attempt: job.Attempt, Output: output,
		}), bookID, stage)
	}

	_ = p.queue.Ack(ctx, jobKey)
}

// report logs coordinator outcomes; stale signals are dropped quietly.
func (p *Processor) report(ctx context.Context, err error, bookID string, stage models.Stage) {
	if err == nil {
		return
	}
	if errors.Is(err, pipeline.ErrStaleSignal) {
		telemetry.StaleSignals.Inc()
		p.logger.Debug("stale signal dropped", "book_id", bookID, "stage", stage)
		return
	}
	p.logger.Error("coordinator", "book_id", bookID, "stage", stage, "error", err)
}

// startHeartbeat keeps the lease alive while a stage blocks inside an
// external call, independent of the runner's own beat calls.
func (p *Processor) startHeartbeat(ctx context.Context, jobKey string) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	interval := p.cfg.LeaseHeartbeat
	if interval <= 0 {
		interval = p.cfg.VisibilityTimeout / 3
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(hbCtx, jobKey, p.cfg.VisibilityTimeout); err != nil {
					p.logger.Warn("extend lease", "key", jobKey, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Processor) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ReclaimBatchSize)); err != nil {
			p.logger.Error("promote scheduled", "error", err)
		}
		if reclaimed, err := p.queue.RequeueExpired(ctx, now, int64(p.cfg.ReclaimBatchSize)); err != nil {
			p.logger.Error("requeue expired", "error", err)
		} else if len(reclaimed) > 0 {
			p.logger.Warn("reclaimed expired leases", "count", len(reclaimed))
		}
		if depth, err := p.queue.TotalDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
