package dto

import (
	"github.com/google/uuid"
)

type ProcessAttachmentResult struct {
	InboxID   uuid.UUID `json:"inboxId"`
	Status    string    `json:"status"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

type EmbedInboxResult struct {
	InboxID uuid.UUID `json:"inboxId"`
	Model   string    `json:"model,omitempty"`
	NoText  bool      `json:"noText,omitempty"`
}

// MatchCounts tallies outcomes of a matching run. Errors are excluded from the other
// counters.
type MatchCounts struct {
	Processed   int `json:"processed"`
	AutoMatched int `json:"autoMatched"`
	Suggestions int `json:"suggestions"`
	NoMatches   int `json:"noMatches"`
	Errors      int `json:"errors"`
}

func (c *MatchCounts) Add(o MatchCounts) {
	c.Processed += o.Processed
	c.AutoMatched += o.AutoMatched
	c.Suggestions += o.Suggestions
	c.NoMatches += o.NoMatches
	c.Errors += o.Errors
}

type BidirectionalMatchingResult struct {
	Forward MatchCounts `json:"forward"`
	Reverse MatchCounts `json:"reverse"`
	Total   MatchCounts `json:"total"`
}

type SyncResult struct {
	AccountID  uuid.UUID      `json:"accountId"`
	Discovered int            `json:"discovered"`
	Uploaded   int            `json:"uploaded"`
	Failed     int            `json:"failed"`
	Filtered   map[string]int `json:"filtered"`
	Skipped    bool           `json:"skipped,omitempty"`
}

type SyncProgress struct {
	Stage      string `json:"stage"`
	Discovered int    `json:"discovered"`
	Uploaded   int    `json:"uploaded"`
}

type SweepResult struct {
	Updated int            `json:"updated"`
	PerTeam map[string]int `json:"perTeam"`
	Skipped bool           `json:"skipped,omitempty"`
}

type DispatchResult struct {
	Accounts int   `json:"accounts"`
	WindowMs int64 `json:"windowMs"`
}

type InitialSetupResult struct {
	ScheduleID string `json:"scheduleId"`
	Cron       string `json:"cron"`
}

type ClassifyDocumentResult struct {
	Tags []string `json:"tags"`
}
