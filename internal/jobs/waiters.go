package jobs

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Outcome is the terminal result of a job.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// Waiters fans terminal outcomes out to callers blocked in TriggerAndWait.
type Waiters struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]chan Outcome
}

func NewWaiters() *Waiters {
	return &Waiters{subs: make(map[uuid.UUID][]chan Outcome)}
}

func (w *Waiters) Subscribe(id uuid.UUID) chan Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan Outcome, 1)
	w.subs[id] = append(w.subs[id], ch)
	return ch
}

func (w *Waiters) Unsubscribe(id uuid.UUID, ch chan Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs := w.subs[id]
	for i, s := range subs {
		if s == ch {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(w.subs, id)
		return
	}
	w.subs[id] = subs
}

// Notify delivers an outcome to every subscriber of id.
func (w *Waiters) Notify(id uuid.UUID, outcome Outcome) {
	w.mu.Lock()
	subs := w.subs[id]
	delete(w.subs, id)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- outcome:
		default:
		}
	}
}
