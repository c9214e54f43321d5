// Package jobs is the queue substrate: named queues, schema-validated payloads,
// delayed and repeatable jobs, progress and retries.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"go.uber.org/zap"
)

// Run is the view of a job attempt handed to processors.
type Run struct {
	Job    *models.Job
	store  Store
	logger *zap.Logger
}

func NewRun(job *models.Job, store Store, logger *zap.Logger) *Run {
	return &Run{Job: job, store: store, logger: logger}
}

// Logger carries the job identity fields.
func (r *Run) Logger() *zap.Logger {
	if r.logger == nil {
		return zap.NewNop()
	}
	return r.logger
}

// UpdateProgress stores a progress snapshot. Failures are logged only.
func (r *Run) UpdateProgress(ctx context.Context, progress any) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(progress)
	if err == nil {
		err = r.store.UpdateProgress(ctx, r.Job.ID, raw)
	}
	if err != nil {
		r.logger.Warn("Failed to update job progress", zap.String("job_id", r.Job.ID.String()), zap.Error(err))
	}
}

// Handler executes one job attempt.
type Handler interface {
	Handle(ctx context.Context, run *Run) (any, error)
}

// Processor is implemented per job name. ShouldProcess is the idempotency guard: when
// it returns false the job completes without calling Process.
type Processor[T any] interface {
	ShouldProcess(ctx context.Context, run *Run, payload *T) (bool, error)
	Process(ctx context.Context, run *Run, payload *T) (any, error)
}

// Always is embedded by processors without a guard.
type Always[T any] struct{}

func (Always[T]) ShouldProcess(context.Context, *Run, *T) (bool, error) {
	return true, nil
}

// Skipped is the result recorded when the guard declines a job.
type Skipped struct {
	Skipped bool `json:"skipped"`
}

type registration struct {
	queue    models.QueueName
	handler  Handler
	validate func(raw json.RawMessage) error
}

// Registry maps job names to their queue, handler and payload schema. It is built once
// at startup and passed to clients and workers.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a typed processor to a job name on a queue. Registering a name twice
// is a programming error and panics.
func Register[T any](r *Registry, queue models.QueueName, name string, p Processor[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		panic(fmt.Sprintf("jobs: processor %q registered twice", name))
	}
	r.entries[name] = registration{
		queue:   queue,
		handler: &processorHandler[T]{name: name, processor: p},
		validate: func(raw json.RawMessage) error {
			_, err := decodePayload[T](name, raw)
			return err
		},
	}
}

func (r *Registry) lookup(name string) (registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[name]
	return reg, ok
}

// QueueFor returns the queue a job name is bound to.
func (r *Registry) QueueFor(name string) (models.QueueName, error) {
	reg, ok := r.lookup(name)
	if !ok {
		return "", apperr.Validationf("queue for", "unknown job %q", name)
	}
	return reg.queue, nil
}

// Validate checks a payload against the schema registered for name.
func (r *Registry) Validate(name string, raw json.RawMessage) error {
	reg, ok := r.lookup(name)
	if !ok {
		return apperr.Validationf("validate payload", "unknown job %q", name)
	}
	return reg.validate(raw)
}

// Queues lists every queue that has at least one processor.
func (r *Registry) Queues() []models.QueueName {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[models.QueueName]bool)
	var queues []models.QueueName
	for _, reg := range r.entries {
		if !seen[reg.queue] {
			seen[reg.queue] = true
			queues = append(queues, reg.queue)
		}
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i] < queues[j] })
	return queues
}

type processorHandler[T any] struct {
	name      string
	processor Processor[T]
}

func (h *processorHandler[T]) Handle(ctx context.Context, run *Run) (any, error) {
	payload, err := decodePayload[T](h.name, run.Job.Payload)
	if err != nil {
		return nil, err
	}

	ok, err := h.processor.ShouldProcess(ctx, run, payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		run.logger.Info("Skipping job, already processed",
			zap.String("job_id", run.Job.ID.String()),
			zap.String("job_name", h.name),
		)
		return Skipped{Skipped: true}, nil
	}

	return h.processor.Process(ctx, run, payload)
}

func decodePayload[T any](name string, raw json.RawMessage) (*T, error) {
	var payload T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, apperr.Validation(name, fmt.Errorf("decode payload: %w", err))
		}
	}
	if err := Validator().Struct(&payload); err != nil {
		return nil, apperr.Validation(name, fmt.Errorf("invalid payload: %w", err))
	}
	return &payload, nil
}
