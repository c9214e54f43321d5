package models

import (
	"time"

	"github.com/google/uuid"
)

type AccountStatus string

const (
	AccountStatusConnected    AccountStatus = "connected"
	AccountStatusDisconnected AccountStatus = "disconnected"
)

type InboxProvider string

const (
	ProviderGmail InboxProvider = "gmail"
)

// InboxAccount is a connected mailbox synced on a schedule.
type InboxAccount struct {
	ID           uuid.UUID     `db:"id"`
	TeamID       uuid.UUID     `db:"team_id"`
	Provider     InboxProvider `db:"provider"`
	Email        string        `db:"email"`
	AccessToken  string        `db:"access_token"`
	RefreshToken string        `db:"refresh_token"`
	ExpiryDate   *time.Time    `db:"expiry_date"`
	Status       AccountStatus `db:"status"`
	LastAccessed *time.Time    `db:"last_accessed"`
	ScheduleID   *string       `db:"schedule_id"`
	ErrorMessage *string       `db:"error_message"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}

type BlocklistType string

const (
	BlocklistTypeDomain BlocklistType = "domain"
	BlocklistTypeEmail  BlocklistType = "email"
)

type BlocklistEntry struct {
	ID     uuid.UUID     `db:"id"`
	TeamID uuid.UUID     `db:"team_id"`
	Type   BlocklistType `db:"type"`
	Value  string        `db:"value"`
}
