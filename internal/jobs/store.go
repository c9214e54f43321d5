package jobs

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
)

// Store persists jobs. Claim hands out at most one waiting, due job per call and marks
// it active with its attempt counter incremented. Touch refreshes an active job's
// updated_at; RequeueStale returns active jobs not touched since before to waiting.
type Store interface {
	Enqueue(ctx context.Context, job *models.Job) (*models.Job, error)
	Claim(ctx context.Context, queue models.QueueName, now time.Time) (*models.Job, error)
	Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	Fail(ctx context.Context, id uuid.UUID, lastErr string) error
	UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Touch(ctx context.Context, id uuid.UUID) error
	RequeueStale(ctx context.Context, before time.Time) (int, error)
}

// StaleError is recorded on jobs whose lease ran out.
const StaleError = "lease expired: worker stopped without recording an outcome"

// MemoryStore keeps jobs in process memory. Used for local runs and tests.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*models.Job
	order []uuid.UUID
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[uuid.UUID]*models.Job),
		now:  time.Now,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, job *models.Job) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.IdempotencyKey != nil {
		for _, existing := range s.jobs {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *job.IdempotencyKey && !existing.State.Finished() {
				cp := *existing
				return &cp, nil
			}
		}
	}

	now := s.now()
	stored := *job
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.State = models.JobStateWaiting
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.RunAt.IsZero() {
		stored.RunAt = now
	}
	s.jobs[stored.ID] = &stored
	s.order = append(s.order, stored.ID)

	cp := stored
	return &cp, nil
}

func (s *MemoryStore) Claim(_ context.Context, queue models.QueueName, now time.Time) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Queue == queue && j.State == models.JobStateWaiting && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	sort.SliceStable(due, func(a, b int) bool {
		if due[a].Priority != due[b].Priority {
			return due[a].Priority < due[b].Priority
		}
		return due[a].RunAt.Before(due[b].RunAt)
	})

	j := due[0]
	j.State = models.JobStateActive
	j.Attempt++
	j.UpdatedAt = now

	cp := *j
	return &cp, nil
}

func (s *MemoryStore) Complete(_ context.Context, id uuid.UUID, result json.RawMessage) error {
	return s.update(id, func(j *models.Job, now time.Time) {
		j.State = models.JobStateCompleted
		j.Result = result
		j.FinishedAt = &now
	})
}

func (s *MemoryStore) Retry(_ context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return s.update(id, func(j *models.Job, _ time.Time) {
		j.State = models.JobStateWaiting
		j.RunAt = runAt
		j.LastError = &lastErr
	})
}

func (s *MemoryStore) Fail(_ context.Context, id uuid.UUID, lastErr string) error {
	return s.update(id, func(j *models.Job, now time.Time) {
		j.State = models.JobStateFailed
		j.LastError = &lastErr
		j.FinishedAt = &now
	})
}

func (s *MemoryStore) UpdateProgress(_ context.Context, id uuid.UUID, progress json.RawMessage) error {
	return s.update(id, func(j *models.Job, _ time.Time) {
		j.Progress = progress
	})
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, apperr.NotFound("get job", nil)
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) Touch(_ context.Context, id uuid.UUID) error {
	return s.update(id, func(*models.Job, time.Time) {})
}

func (s *MemoryStore) RequeueStale(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for _, j := range s.jobs {
		if j.State != models.JobStateActive || !j.UpdatedAt.Before(before) {
			continue
		}
		msg := StaleError
		j.State = models.JobStateWaiting
		j.RunAt = now
		j.LastError = &msg
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// List returns a snapshot of the jobs with the given name, oldest first.
func (s *MemoryStore) List(name string) []*models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if name == "" || j.Name == name {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out
}

func (s *MemoryStore) update(id uuid.UUID, fn func(j *models.Job, now time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return apperr.NotFound("update job", nil)
	}
	now := s.now()
	fn(j, now)
	j.UpdatedAt = now
	return nil
}
