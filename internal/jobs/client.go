package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultAttempts = 3
	DefaultPriority = 1

	defaultWaitPoll = 500 * time.Millisecond
)

// Enqueuer is what processors need to fan work out to other queues.
type Enqueuer interface {
	Trigger(ctx context.Context, name string, payload any, opts ...TriggerOption) (*models.Job, error)
	BatchTrigger(ctx context.Context, name string, payloads []any, opts ...TriggerOption) ([]*models.Job, error)
	TriggerAndWait(ctx context.Context, name string, payload any, timeout time.Duration, opts ...TriggerOption) (json.RawMessage, error)
}

type triggerOptions struct {
	delay          time.Duration
	priority       int
	attempts       int
	idempotencyKey string
}

type TriggerOption func(*triggerOptions)

func WithDelay(d time.Duration) TriggerOption {
	return func(o *triggerOptions) { o.delay = d }
}

// WithPriority sets the priority; lower runs first.
func WithPriority(p int) TriggerOption {
	return func(o *triggerOptions) { o.priority = p }
}

func WithAttempts(n int) TriggerOption {
	return func(o *triggerOptions) { o.attempts = n }
}

// WithIdempotencyKey collapses triggers with the same key while a job is unfinished.
func WithIdempotencyKey(key string) TriggerOption {
	return func(o *triggerOptions) { o.idempotencyKey = key }
}

// Client enqueues jobs after validating their payloads.
type Client struct {
	store        Store
	registry     *Registry
	waiters      *Waiters
	logger       *zap.Logger
	now          func() time.Time
	pollInterval time.Duration
}

var _ Enqueuer = (*Client)(nil)

func NewClient(store Store, registry *Registry, waiters *Waiters, logger *zap.Logger) *Client {
	return &Client{
		store:        store,
		registry:     registry,
		waiters:      waiters,
		logger:       logger,
		now:          time.Now,
		pollInterval: defaultWaitPoll,
	}
}

func (c *Client) Trigger(ctx context.Context, name string, payload any, opts ...TriggerOption) (*models.Job, error) {
	job, err := c.build(name, payload, opts)
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, job)
}

// BatchTrigger validates every payload before enqueueing any of them.
func (c *Client) BatchTrigger(ctx context.Context, name string, payloads []any, opts ...TriggerOption) ([]*models.Job, error) {
	built := make([]*models.Job, 0, len(payloads))
	for i, p := range payloads {
		job, err := c.build(name, p, opts)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		built = append(built, job)
	}

	out := make([]*models.Job, 0, len(built))
	for _, job := range built {
		stored, err := c.enqueue(ctx, job)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// TriggerAndWait enqueues a job and blocks until it finishes or timeout elapses. The
// outcome arrives in-process when the worker shares this client's Waiters, otherwise
// through polling the store.
func (c *Client) TriggerAndWait(ctx context.Context, name string, payload any, timeout time.Duration, opts ...TriggerOption) (json.RawMessage, error) {
	job, err := c.build(name, payload, opts)
	if err != nil {
		return nil, err
	}

	ch := c.waiters.Subscribe(job.ID)
	stored, err := c.enqueue(ctx, job)
	if err != nil {
		c.waiters.Unsubscribe(job.ID, ch)
		return nil, err
	}
	if stored.ID != job.ID {
		c.waiters.Unsubscribe(job.ID, ch)
		ch = c.waiters.Subscribe(stored.ID)
	}
	defer c.waiters.Unsubscribe(stored.ID, ch)

	return c.wait(ctx, stored, ch, timeout)
}

func (c *Client) wait(ctx context.Context, job *models.Job, ch chan Outcome, timeout time.Duration) (json.RawMessage, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case outcome := <-ch:
			return outcome.Result, outcome.Err
		case <-ticker.C:
			current, err := c.store.Get(ctx, job.ID)
			if err != nil {
				c.logger.Warn("Failed to poll job", zap.String("job_id", job.ID.String()), zap.Error(err))
				continue
			}
			switch current.State {
			case models.JobStateCompleted:
				return current.Result, nil
			case models.JobStateFailed:
				msg := "unknown error"
				if current.LastError != nil {
					msg = *current.LastError
				}
				return nil, fmt.Errorf("job %s failed: %s", job.Name, msg)
			}
		case <-timer.C:
			return nil, apperr.Timeout("wait for "+job.Name, fmt.Errorf("no result after %s", timeout))
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) build(name string, payload any, opts []TriggerOption) (*models.Job, error) {
	queue, err := c.registry.QueueFor(name)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Validation("trigger "+name, err)
	}
	if err := c.registry.Validate(name, raw); err != nil {
		return nil, err
	}

	o := triggerOptions{priority: DefaultPriority, attempts: DefaultAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.attempts < 1 {
		o.attempts = 1
	}

	job := &models.Job{
		ID:          uuid.New(),
		Queue:       queue,
		Name:        name,
		Payload:     raw,
		MaxAttempts: o.attempts,
		Priority:    o.priority,
		RunAt:       c.now().Add(o.delay),
	}
	if o.idempotencyKey != "" {
		key := o.idempotencyKey
		job.IdempotencyKey = &key
	}
	return job, nil
}

func (c *Client) enqueue(ctx context.Context, job *models.Job) (*models.Job, error) {
	stored, err := c.store.Enqueue(ctx, job)
	if err != nil {
		c.logger.Error("Failed to enqueue job", zap.String("job_name", job.Name), zap.Error(err))
		return nil, fmt.Errorf("enqueue %s: %w", job.Name, err)
	}

	c.logger.Debug("Job enqueued",
		zap.String("job_id", stored.ID.String()),
		zap.String("job_name", stored.Name),
		zap.String("queue", string(stored.Queue)),
		zap.Time("run_at", stored.RunAt),
	)
	return stored, nil
}
