package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type QueueName string

const (
	QueueInbox         QueueName = "inbox"
	QueueEmbeddings    QueueName = "embeddings"
	QueueInboxProvider QueueName = "inbox-provider"
	QueueTransactions  QueueName = "transactions"
	QueueDocuments     QueueName = "documents"
)

type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Finished reports whether no further attempt will run.
func (s JobState) Finished() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

type Job struct {
	ID             uuid.UUID       `db:"id"`
	Queue          QueueName       `db:"queue"`
	Name           string          `db:"name"`
	Payload        json.RawMessage `db:"payload"`
	State          JobState        `db:"state"`
	Attempt        int             `db:"attempt"`
	MaxAttempts    int             `db:"max_attempts"`
	Priority       int             `db:"priority"`
	RunAt          time.Time       `db:"run_at"`
	IdempotencyKey *string         `db:"idempotency_key"`
	Progress       json.RawMessage `db:"progress"`
	Result         json.RawMessage `db:"result"`
	LastError      *string         `db:"last_error"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	FinishedAt     *time.Time      `db:"finished_at"`
}

// FinalAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}
