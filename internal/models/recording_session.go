package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording session statuses, mirroring the remote egress lifecycle.
const (
	SessionStatusStarting = "STARTING"
	SessionStatusActive   = "ACTIVE"
	SessionStatusEnding   = "ENDING"
	SessionStatusComplete = "COMPLETE"
	SessionStatusFailed   = "FAILED"
	SessionStatusAborted  = "ABORTED"
)

// ActiveStatuses are the non-terminal statuses a session can be listed under.
var ActiveStatuses = []string{SessionStatusStarting, SessionStatusActive, SessionStatusEnding}

// IsTerminalStatus reports whether a session status can no longer change.
func IsTerminalStatus(s string) bool {
	switch s {
	case SessionStatusComplete, SessionStatusFailed, SessionStatusAborted:
		return true
	}
	return false
}

// RecordingSession is the ledger row for one remote egress session.
// Rows are upserted by EgressID; filepath and started_at are write-once.
type RecordingSession struct {
	ID        uuid.UUID  `json:"id"`
	RoomName  string     `json:"room_name"`
	EgressID  string     `json:"egress_id"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Filepath  string     `json:"filepath"`
	FileURL   string     `json:"file_url,omitempty"`
	ErrorMsg  string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
