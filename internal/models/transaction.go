package models

import (
	"time"

	"github.com/google/uuid"
)

type TransactionStatus string

const (
	TransactionStatusPosted  TransactionStatus = "posted"
	TransactionStatusPending TransactionStatus = "pending"
)

// Transaction is a bank ledger entry owned by the accounting side; this module only
// writes the match back-reference.
type Transaction struct {
	ID               uuid.UUID         `db:"id"`
	TeamID           uuid.UUID         `db:"team_id"`
	Name             string            `db:"name"`
	Description      *string           `db:"description"`
	CounterpartyName *string           `db:"counterparty_name"`
	Amount           float64           `db:"amount"`
	Currency         string            `db:"currency"`
	BaseAmount       *float64          `db:"base_amount"`
	BaseCurrency     *string           `db:"base_currency"`
	Date             time.Time         `db:"date"`
	Status           TransactionStatus `db:"status"`
	Recurring        bool              `db:"recurring"`
	MatchedInboxID   *uuid.UUID        `db:"matched_inbox_id"`
	Embedding        []float32         `db:"embedding"`
	CreatedAt        time.Time         `db:"created_at"`
	UpdatedAt        time.Time         `db:"updated_at"`
}

type Team struct {
	ID           uuid.UUID `db:"id"`
	Name         string    `db:"name"`
	BaseCurrency *string   `db:"base_currency"`
}

// CandidateQuery selects unmatched posted transactions for scoring.
type CandidateQuery struct {
	TeamID uuid.UUID
	From   time.Time
	To     time.Time
	Amount float64
	Limit  int
}
