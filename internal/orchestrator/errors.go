package orchestrator

import (
	"errors"
	"fmt"

	"github.com/studiocast/backend/internal/models"
)

// ErrNoActiveSession is returned by Stop when no session is active for the
// room and no explicit egress id was given.
var ErrNoActiveSession = errors.New("no active recording session for room")

// ErrRecordingInProgress is returned by Start when another start sequence
// holds the room lock.
var ErrRecordingInProgress = errors.New("a recording start is already in progress for room")

// NoMediaError is returned by Start when the pre-flight wait ends without a
// single active published track. It carries the final snapshot so callers can
// show what was (not) detected.
type NoMediaError struct {
	Snapshot *models.RoomTrackSnapshot
}

func (e *NoMediaError) Error() string {
	if e.Snapshot == nil {
		return "no active published tracks in room"
	}
	return fmt.Sprintf("no active published tracks in room %s (%d participants, %d published tracks)",
		e.Snapshot.RoomName, e.Snapshot.ParticipantCount, e.Snapshot.PublishedTrackCount)
}

// ConcurrencyLimitError is returned by Start when the provider's concurrent
// session ceiling is hit. Blockers lists the sessions occupying capacity so
// the caller can decide what to clean up.
type ConcurrencyLimitError struct {
	Blockers []*models.SessionHandle
	Err      error
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("egress concurrency limit reached (%d active sessions)", len(e.Blockers))
}

func (e *ConcurrencyLimitError) Unwrap() error { return e.Err }
