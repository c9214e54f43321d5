package dto

import (
	"encoding/json"
	"time"

	"inbox-pipeline/internal/models"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type UploadResponse struct {
	Jobs []JobRef `json:"jobs"`
}

type JobRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ReferenceID string `json:"reference_id,omitempty"`
}

func NewJobRef(job *models.Job) JobRef {
	return JobRef{ID: job.ID.String(), Name: job.Name}
}

type JobResponse struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	State       string          `json:"state"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    json.RawMessage `json:"progress,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   string          `json:"created_at"`
	FinishedAt  string          `json:"finished_at,omitempty"`
}

func NewJobResponse(job *models.Job) JobResponse {
	resp := JobResponse{
		ID:          job.ID.String(),
		Queue:       string(job.Queue),
		Name:        job.Name,
		State:       string(job.State),
		Attempt:     job.Attempt,
		MaxAttempts: job.MaxAttempts,
		Progress:    job.Progress,
		Result:      job.Result,
		CreatedAt:   job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.LastError != nil {
		resp.LastError = *job.LastError
	}
	if job.FinishedAt != nil {
		resp.FinishedAt = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

type MatchTransactionsRequest struct {
	TeamID         string   `json:"team_id" validate:"required,uuid"`
	TransactionIDs []string `json:"transaction_ids" validate:"required,min=1,dive,uuid"`
}

type MatchInboxRequest struct {
	TeamID   string   `json:"team_id" validate:"required,uuid"`
	InboxIDs []string `json:"inbox_ids" validate:"required,min=1,dive,uuid"`
}

type ConnectAccountResponse struct {
	JobID string `json:"job_id"`
}

// GmailCallbackRequest completes the OAuth consent flow for a team mailbox.
type GmailCallbackRequest struct {
	TeamID string `json:"team_id" validate:"required,uuid"`
	Code   string `json:"code" validate:"required"`
	Email  string `json:"email" validate:"required,email"`
}

type GmailCallbackResponse struct {
	AccountID string `json:"account_id"`
	JobID     string `json:"job_id"`
}

type AuthURLResponse struct {
	URL string `json:"url"`
}

type WebhookReceipt struct {
	Received int      `json:"received"`
	Queued   int      `json:"queued"`
	Failed   int      `json:"failed"`
	Jobs     []JobRef `json:"jobs,omitempty"`
}
