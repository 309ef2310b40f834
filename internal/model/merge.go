package model

import "time"

// FieldDecision is one line of a merge's survivorship audit trail.
type FieldDecision struct {
	Field        string `json:"field"`
	Winner       string `json:"winner"`
	WinnerSource string `json:"winner_source,omitempty"`
	WinnerTier   string `json:"winner_tier"`
	Loser        string `json:"loser,omitempty"`
	LoserSource  string `json:"loser_source,omitempty"`
	LoserTier    string `json:"loser_tier,omitempty"`
	Reason       string `json:"reason"`
}

// Snapshot captures one identity and its external-identifier links at a
// point in time. A merge stores one per side; together they are the undo
// payload and must reconstruct the pre-merge state exactly.
type Snapshot struct {
	Identity    Identity     `json:"identity"`
	ExternalIDs []ExternalID `json:"external_ids,omitempty"`
}

// MergeRecord is the transaction log of one executed merge. Immutable
// after creation except for the undone flag and inverse link.
type MergeRecord struct {
	ID           int64           `json:"id" db:"id"`
	WinnerID     int64           `json:"winner_id" db:"winner_id"`
	LoserID      int64           `json:"loser_id" db:"loser_id"`
	BeforeWinner Snapshot        `json:"before_winner" db:"before_winner"`
	BeforeLoser  Snapshot        `json:"before_loser" db:"before_loser"`
	Decisions    []FieldDecision `json:"decisions" db:"decisions"`
	Actor        string          `json:"actor" db:"actor"`
	Undone       bool            `json:"undone" db:"undone"`
	InverseOf    *int64          `json:"inverse_of,omitempty" db:"inverse_of"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}
