package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// settleTimeout bounds the store writes that record how a run ended.
const settleTimeout = 10 * time.Second

// SettleContext keeps the values of ctx but not its cancellation, so a run cut short by
// shutdown can still record its outcome and release the rows it holds.
func SettleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// Worker consumes one queue with a fixed number of goroutines.
type Worker struct {
	queue        models.QueueName
	store        Store
	registry     *Registry
	waiters      *Waiters
	logger       *zap.Logger
	policy       apperr.RetryPolicy
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	now          func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

func WithRetryPolicy(p apperr.RetryPolicy) WorkerOption {
	return func(w *Worker) { w.policy = p }
}

// WithLease makes the worker refresh each running job three times per lease so that
// RequeueStale only picks up jobs whose process is gone.
func WithLease(d time.Duration) WorkerOption {
	return func(w *Worker) { w.lease = d }
}

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

func NewWorker(queue models.QueueName, store Store, registry *Registry, waiters *Waiters, logger *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		store:        store,
		registry:     registry,
		waiters:      waiters,
		logger:       logger.With(zap.String("queue", string(queue))),
		policy:       apperr.DefaultRetryPolicy(),
		concurrency:  1,
		pollInterval: time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(ctx)
		}()
	}
	w.logger.Info("Worker started", zap.Int("concurrency", w.concurrency))
}

// Stop cancels in-flight jobs and waits for the goroutines to exit. Interrupted jobs
// go back to waiting.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

func (w *Worker) loop(ctx context.Context) {
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil {
			w.logger.Error("Failed to claim job", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessNext claims and runs a single due job. It reports false when the queue had
// nothing due.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	job, err := w.store.Claim(ctx, w.queue, w.now())
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.execute(ctx, job)
	return true, nil
}

// Drain runs due jobs until none remain and returns how many ran.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		processed, err := w.ProcessNext(ctx)
		if err != nil || !processed {
			return n, err
		}
		n++
	}
}

func (w *Worker) execute(ctx context.Context, job *models.Job) {
	log := w.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("job_name", job.Name),
		zap.Int("attempt", job.Attempt),
	)

	reg, ok := w.registry.lookup(job.Name)
	if !ok {
		settleCtx, cancel := SettleContext(ctx)
		defer cancel()
		err := apperr.Validationf("execute", "no processor registered for %q", job.Name)
		w.fail(settleCtx, job, err, log)
		return
	}

	started := w.now()
	log.Info("Job started")

	stopHeartbeat := w.heartbeat(ctx, job.ID, log)
	result, err := w.handle(ctx, reg.handler, NewRun(job, w.store, log))
	stopHeartbeat()

	// the settle window starts once the handler has returned
	settleCtx, cancel := SettleContext(ctx)
	defer cancel()

	if err == nil {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			w.fail(settleCtx, job, fmt.Errorf("encode result: %w", mErr), log)
			return
		}
		if err := w.store.Complete(settleCtx, job.ID, raw); err != nil {
			log.Error("Failed to mark job completed", zap.Error(err))
		}
		w.waiters.Notify(job.ID, Outcome{Result: raw})
		log.Info("Job completed", zap.Duration("duration", w.now().Sub(started)))
		return
	}

	if ctx.Err() != nil {
		// shutdown, not a failure of the job: the next process picks it up again
		if rErr := w.store.Retry(settleCtx, job.ID, w.now(), "interrupted: "+err.Error()); rErr != nil {
			log.Error("Failed to requeue interrupted job", zap.Error(rErr))
		}
		log.Warn("Job interrupted, requeued", zap.Error(err))
		return
	}

	category := apperr.Classify(err)
	if category.Retryable() && !job.FinalAttempt() {
		delay := w.policy.Backoff(err, job.Attempt)
		if rErr := w.store.Retry(settleCtx, job.ID, w.now().Add(delay), err.Error()); rErr != nil {
			log.Error("Failed to schedule retry", zap.Error(rErr))
		}
		log.Warn("Job failed, retrying",
			zap.String("category", string(category)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		return
	}

	w.fail(settleCtx, job, err, log.With(zap.String("category", string(category))))
}

func (w *Worker) fail(ctx context.Context, job *models.Job, err error, log *zap.Logger) {
	if fErr := w.store.Fail(ctx, job.ID, err.Error()); fErr != nil {
		log.Error("Failed to mark job failed", zap.Error(fErr))
	}
	w.waiters.Notify(job.ID, Outcome{Err: err})
	log.Error("Job failed", zap.Error(err))
}

// heartbeat keeps the job's lease fresh until the returned func is called.
func (w *Worker) heartbeat(ctx context.Context, id uuid.UUID, log *zap.Logger) func() {
	if w.lease <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.store.Touch(ctx, id); err != nil {
					log.Warn("Failed to extend job lease", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (w *Worker) handle(ctx context.Context, h Handler, run *Run) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			run.logger.Error("Job panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h.Handle(ctx, run)
}
