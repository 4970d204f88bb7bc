package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/studiocast/backend/internal/egress"
	"github.com/studiocast/backend/internal/models"
	"github.com/studiocast/backend/pkg/locks"
	"github.com/studiocast/backend/pkg/queue"
	"github.com/studiocast/backend/pkg/retry"
)

// DefaultGracePeriod is how long to wait after clearing stale sessions before
// starting a new one. The provider releases its concurrency slot
// asynchronously; starting immediately risks a spurious limit error.
const DefaultGracePeriod = 1500 * time.Millisecond

// Ledger is the persisted session store consumed by the orchestrator.
type Ledger interface {
	Upsert(ctx context.Context, rec *models.RecordingSession) error
	GetByEgressID(ctx context.Context, egressID string) (*models.RecordingSession, error)
	ListByRoom(ctx context.Context, roomName string, limit int) ([]models.RecordingSession, error)
	ListActiveByRoom(ctx context.Context, roomName string) ([]models.RecordingSession, error)
	DeleteByRoom(ctx context.Context, roomName string) (int64, error)
}

// TrackInspector provides pre-flight room media checks.
type TrackInspector interface {
	Snapshot(ctx context.Context, roomName string) (*models.RoomTrackSnapshot, error)
	WaitForActivePublishedTracks(ctx context.Context, roomName string) (*models.RoomTrackSnapshot, error)
}

// Enqueuer hands session maintenance work to the background worker.
type Enqueuer interface {
	EnqueueReconcile(ctx context.Context, payload queue.SessionJobPayload) error
	EnqueueVerifyArtifact(ctx context.Context, payload queue.SessionJobPayload) error
}

// SessionFailure records one best-effort operation that failed.
type SessionFailure struct {
	EgressID string `json:"egress_id"`
	Error    string `json:"error"`
}

// StartResult is the outcome of a successful Start.
type StartResult struct {
	Session       *models.RecordingSession  `json:"session"`
	Handle        *models.SessionHandle     `json:"handle"`
	Snapshot      *models.RoomTrackSnapshot `json:"snapshot"`
	Cleared       []string                  `json:"cleared,omitempty"`
	ClearFailures []SessionFailure          `json:"clear_failures,omitempty"`
}

// StopResult is the outcome of a successful Stop.
type StopResult struct {
	Session *models.RecordingSession `json:"session"`
	Handle  *models.SessionHandle    `json:"handle"`
}

// CleanupResult reports per-session outcomes of a cleanup pass. Stopped and
// Failed are disjoint and together cover every active session in scope.
type CleanupResult struct {
	Stopped   []string                `json:"stopped"`
	Failed    []SessionFailure        `json:"failed"`
	Remaining []*models.SessionHandle `json:"remaining"`
}

// StatusResult is the live view of one session plus room-level diagnostics.
// LedgerActive holds the room's ledger rows still in a non-terminal status,
// which may lag the remote Active set until reconciliation catches up.
type StatusResult struct {
	Live         *models.SessionHandle     `json:"live,omitempty"`
	Stored       *models.RecordingSession  `json:"stored,omitempty"`
	ActiveCount  int                       `json:"active_count"`
	Active       []*models.SessionHandle   `json:"active,omitempty"`
	LedgerActive []models.RecordingSession `json:"ledger_active,omitempty"`
	Hints        []string                  `json:"hints,omitempty"`
}

// Orchestrator drives the recording session state machine: pre-flight checks,
// start, stop, cleanup and ledger reconciliation. The remote controller owns
// the actual lifecycle transitions; the orchestrator observes and persists them.
type Orchestrator struct {
	ledger     Ledger
	inspector  TrackInspector
	controller egress.Controller
	locker     locks.RoomLocker
	jobs       Enqueuer // optional
	logger     *zap.Logger

	gracePeriod time.Duration
	now         func() time.Time
}

// New creates an orchestrator. jobs may be nil to disable background maintenance.
func New(ledger Ledger, inspector TrackInspector, controller egress.Controller, locker locks.RoomLocker, jobs Enqueuer, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		ledger:      ledger,
		inspector:   inspector,
		controller:  controller,
		locker:      locker,
		jobs:        jobs,
		logger:      logger,
		gracePeriod: DefaultGracePeriod,
		now:         time.Now,
	}
}

// SetGracePeriod overrides the post-clear wait (tests use zero).
func (o *Orchestrator) SetGracePeriod(d time.Duration) { o.gracePeriod = d }

// SetClock overrides the clock used for recording paths (tests pin it).
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Start runs the full start sequence for a room: normalize, lock, wait for
// published media, clear stale sessions, grace wait, start remote egress,
// persist the STARTING ledger row.
func (o *Orchestrator) Start(ctx context.Context, roomName string) (*StartResult, error) {
	room := NormalizeRoomName(roomName)
	if room == "" {
		return nil, fmt.Errorf("empty room name")
	}

	release, err := o.locker.Acquire(ctx, room)
	if err != nil {
		if errors.Is(err, locks.ErrAlreadyLocked) {
			return nil, fmt.Errorf("%w %s", ErrRecordingInProgress, room)
		}
		return nil, err
	}
	defer release()

	snap, err := o.inspector.WaitForActivePublishedTracks(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("inspect room %s: %w", room, err)
	}
	if snap == nil || snap.ActivePublishedTrackCount == 0 {
		return nil, &NoMediaError{Snapshot: snap}
	}

	cleared, clearFailures := o.clearActiveSessions(ctx, room)
	if len(cleared) > 0 {
		if err := retry.Sleep(ctx, o.gracePeriod); err != nil {
			return nil, err
		}
	}

	filepath := RecordingPath(room, o.now())
	handle, err := o.controller.StartComposite(ctx, room, filepath)
	if err != nil {
		if errors.Is(err, egress.ErrConcurrencyLimit) {
			blockers, listErr := o.controller.List(ctx, egress.ListFilter{ActiveOnly: true})
			if listErr != nil {
				o.logger.Warn("list blockers failed", zap.Error(listErr))
			}
			return nil, &ConcurrencyLimitError{Blockers: blockers, Err: err}
		}
		return nil, err
	}

	rec := &models.RecordingSession{
		RoomName:  room,
		EgressID:  handle.EgressID,
		Status:    models.SessionStatusStarting,
		StartedAt: handle.StartedAt,
		Filepath:  filepath,
		ErrorMsg:  handle.ErrorMsg,
	}
	if err := o.ledger.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("record session %s: %w", handle.EgressID, err)
	}
	o.enqueueReconcile(ctx, handle.EgressID, room)

	o.logger.Info("recording started",
		zap.String("room", room),
		zap.String("egress_id", handle.EgressID),
		zap.String("filepath", filepath),
		zap.Int("cleared", len(cleared)),
	)
	return &StartResult{
		Session:       rec,
		Handle:        handle,
		Snapshot:      snap,
		Cleared:       cleared,
		ClearFailures: clearFailures,
	}, nil
}

// clearActiveSessions stops every active session for a room, best-effort. The
// goal is freeing remote capacity before a fresh start, not auditing each row,
// so individual stop failures are recorded and skipped.
func (o *Orchestrator) clearActiveSessions(ctx context.Context, room string) (cleared []string, failures []SessionFailure) {
	active, err := o.controller.List(ctx, egress.ListFilter{RoomName: room, ActiveOnly: true})
	if err != nil {
		o.logger.Warn("list active sessions failed", zap.String("room", room), zap.Error(err))
		return nil, nil
	}
	for _, h := range active {
		if _, err := o.controller.Stop(ctx, h.EgressID); err != nil {
			failures = append(failures, SessionFailure{EgressID: h.EgressID, Error: err.Error()})
			o.logger.Warn("clear stale session failed", zap.String("egress_id", h.EgressID), zap.Error(err))
			continue
		}
		cleared = append(cleared, h.EgressID)
	}
	return cleared, failures
}

// Stop ends the active recording for a room. When egressID is empty, it is
// resolved by listing active sessions and taking the first. ErrNoActiveSession
// is returned, without contacting the remote stop endpoint, when none exists.
func (o *Orchestrator) Stop(ctx context.Context, roomName, egressID string) (*StopResult, error) {
	room := NormalizeRoomName(roomName)

	if egressID == "" {
		active, err := o.controller.List(ctx, egress.ListFilter{RoomName: room, ActiveOnly: true})
		if err != nil {
			return nil, fmt.Errorf("list active sessions: %w", err)
		}
		if len(active) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoActiveSession, room)
		}
		egressID = active[0].EgressID
	}

	handle, err := o.controller.Stop(ctx, egressID)
	if err != nil {
		return nil, err
	}
	// Stopping by explicit egress id may come without a room; the remote
	// handle carries the authoritative one.
	if room == "" {
		room = NormalizeRoomName(handle.RoomName)
	}

	rec := &models.RecordingSession{
		RoomName: room,
		EgressID: handle.EgressID,
		Status:   handle.Status,
		EndedAt:  handle.EndedAt,
		FileURL:  handle.FirstLocation(),
		ErrorMsg: handle.ErrorMsg,
	}
	if rec.EndedAt == nil {
		t := o.now()
		rec.EndedAt = &t
	}
	// The result may omit a filename while the upload finishes; the stored
	// filepath remains the fallback playback key.
	if err := o.ledger.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("record session stop %s: %w", handle.EgressID, err)
	}
	o.enqueueVerify(ctx, handle.EgressID, room)

	o.logger.Info("recording stopped",
		zap.String("room", room),
		zap.String("egress_id", handle.EgressID),
		zap.String("status", handle.Status),
	)
	return &StopResult{Session: rec, Handle: handle}, nil
}

// Cleanup stops every active session for a room (or every room when all is
// set), independently per session, then re-lists to show what capacity is
// still held.
func (o *Orchestrator) Cleanup(ctx context.Context, roomName string, all bool) (*CleanupResult, error) {
	filter := egress.ListFilter{ActiveOnly: true}
	if !all {
		filter.RoomName = NormalizeRoomName(roomName)
	}
	active, err := o.controller.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}

	result := &CleanupResult{Stopped: []string{}, Failed: []SessionFailure{}}
	for _, h := range active {
		handle, err := o.controller.Stop(ctx, h.EgressID)
		if err != nil {
			result.Failed = append(result.Failed, SessionFailure{EgressID: h.EgressID, Error: err.Error()})
			continue
		}
		result.Stopped = append(result.Stopped, h.EgressID)
		rec := &models.RecordingSession{
			RoomName: handle.RoomName,
			EgressID: handle.EgressID,
			Status:   handle.Status,
			EndedAt:  handle.EndedAt,
			FileURL:  handle.FirstLocation(),
			ErrorMsg: handle.ErrorMsg,
		}
		if err := o.ledger.Upsert(ctx, rec); err != nil {
			o.logger.Warn("record cleanup stop failed", zap.String("egress_id", h.EgressID), zap.Error(err))
		}
	}

	if len(result.Stopped) > 0 {
		if err := retry.Sleep(ctx, o.gracePeriod); err != nil {
			return nil, err
		}
	}
	remaining, err := o.controller.List(ctx, filter)
	if err != nil {
		o.logger.Warn("re-list after cleanup failed", zap.Error(err))
	} else {
		result.Remaining = remaining
	}

	o.logger.Info("cleanup finished",
		zap.String("room", filter.RoomName),
		zap.Bool("all", all),
		zap.Int("stopped", len(result.Stopped)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("remaining", len(result.Remaining)),
	)
	return result, nil
}

// ListSessions returns the ledger rows for a room, reconciling stale rows
// (non-terminal status or missing file URL) against remote truth first.
// Reconciliation is best-effort per row; a row that cannot be refreshed is
// returned as stored.
func (o *Orchestrator) ListSessions(ctx context.Context, roomName string, limit int) ([]models.RecordingSession, error) {
	room := NormalizeRoomName(roomName)
	rows, err := o.ledger.ListByRoom(ctx, room, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for i := range rows {
		if !sessionStale(&rows[i]) {
			continue
		}
		if synced := o.syncSession(ctx, &rows[i]); synced != nil {
			rows[i] = *synced
		}
	}
	return rows, nil
}

// sessionStale reports whether a ledger row may lag remote truth.
func sessionStale(rec *models.RecordingSession) bool {
	return !models.IsTerminalStatus(rec.Status) || rec.FileURL == ""
}

// syncSession refreshes one ledger row from the remote controller. Returns
// nil when the remote lookup fails or finds nothing, leaving the row as-is.
func (o *Orchestrator) syncSession(ctx context.Context, rec *models.RecordingSession) *models.RecordingSession {
	handles, err := o.controller.List(ctx, egress.ListFilter{EgressID: rec.EgressID})
	if err != nil || len(handles) == 0 {
		if err != nil {
			o.logger.Debug("sync session failed", zap.String("egress_id", rec.EgressID), zap.Error(err))
		}
		return nil
	}
	h := handles[0]
	updated := &models.RecordingSession{
		RoomName: rec.RoomName,
		EgressID: rec.EgressID,
		Status:   h.Status,
		EndedAt:  h.EndedAt,
		FileURL:  h.FirstLocation(),
		ErrorMsg: h.ErrorMsg,
	}
	if err := o.ledger.Upsert(ctx, updated); err != nil {
		o.logger.Debug("persist synced session failed", zap.String("egress_id", rec.EgressID), zap.Error(err))
		return nil
	}
	return updated
}

// Status returns the live state of one session plus aggregate diagnostics for
// its room and human-readable hints about likely problems.
func (o *Orchestrator) Status(ctx context.Context, roomName, egressID string) (*StatusResult, error) {
	room := NormalizeRoomName(roomName)
	result := &StatusResult{}

	if egressID != "" {
		handles, err := o.controller.List(ctx, egress.ListFilter{EgressID: egressID})
		if err != nil {
			o.logger.Warn("live status lookup failed", zap.String("egress_id", egressID), zap.Error(err))
		} else if len(handles) > 0 {
			result.Live = handles[0]
		}
		stored, err := o.ledger.GetByEgressID(ctx, egressID)
		if err != nil {
			o.logger.Warn("stored status lookup failed", zap.String("egress_id", egressID), zap.Error(err))
		}
		result.Stored = stored
	}

	if room != "" {
		active, err := o.controller.List(ctx, egress.ListFilter{RoomName: room, ActiveOnly: true})
		if err != nil {
			o.logger.Warn("list active sessions failed", zap.String("room", room), zap.Error(err))
		} else {
			result.Active = active
			result.ActiveCount = len(active)
		}
		ledgerActive, err := o.ledger.ListActiveByRoom(ctx, room)
		if err != nil {
			o.logger.Warn("list ledger active sessions failed", zap.String("room", room), zap.Error(err))
		} else {
			result.LedgerActive = ledgerActive
		}
	}

	result.Hints = o.statusHints(result)
	return result, nil
}

func (o *Orchestrator) statusHints(s *StatusResult) []string {
	var hints []string
	status := ""
	started := time.Time{}
	if s.Live != nil {
		status = s.Live.Status
		started = s.Live.StartedAt
	} else if s.Stored != nil {
		status = s.Stored.Status
		started = s.Stored.StartedAt
	}

	switch status {
	case models.SessionStatusStarting:
		if !started.IsZero() {
			if age := o.now().Sub(started); age > 30*time.Second {
				hints = append(hints, fmt.Sprintf("still starting after %ds - likely stalled, use the cleanup action to free capacity", int(age.Seconds())))
			}
		}
	case models.SessionStatusActive:
		hints = append(hints, "recording in progress")
	case models.SessionStatusComplete:
		if s.Stored != nil && s.Stored.FileURL == "" {
			hints = append(hints, "session complete but artifact not verified yet - it may still be uploading")
		}
	case models.SessionStatusFailed:
		if s.Stored != nil && s.Stored.ErrorMsg != "" {
			hints = append(hints, "session failed: "+s.Stored.ErrorMsg)
		} else {
			hints = append(hints, "session failed")
		}
	}
	if s.ActiveCount > 1 {
		hints = append(hints, fmt.Sprintf("%d sessions active for this room - only one should run, consider cleanup", s.ActiveCount))
	}
	if orphans := ledgerOnlyActive(s); orphans > 0 {
		hints = append(hints, fmt.Sprintf("%d ledger sessions still marked active but not running remotely - reads will reconcile them", orphans))
	}
	return hints
}

// ledgerOnlyActive counts non-terminal ledger rows the remote no longer
// reports as active.
func ledgerOnlyActive(s *StatusResult) int {
	remote := make(map[string]bool, len(s.Active))
	for _, h := range s.Active {
		remote[h.EgressID] = true
	}
	n := 0
	for _, rec := range s.LedgerActive {
		if !remote[rec.EgressID] {
			n++
		}
	}
	return n
}

// Purge deletes every ledger row for a room and returns the count removed.
// Remote sessions are untouched; use Cleanup for those.
func (o *Orchestrator) Purge(ctx context.Context, roomName string) (int64, error) {
	room := NormalizeRoomName(roomName)
	n, err := o.ledger.DeleteByRoom(ctx, room)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	o.logger.Info("ledger purged", zap.String("room", room), zap.Int64("deleted", n))
	return n, nil
}

func (o *Orchestrator) enqueueReconcile(ctx context.Context, egressID, room string) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.EnqueueReconcile(ctx, queue.SessionJobPayload{EgressID: egressID, RoomName: room}); err != nil {
		o.logger.Warn("enqueue reconcile failed", zap.String("egress_id", egressID), zap.Error(err))
	}
}

func (o *Orchestrator) enqueueVerify(ctx context.Context, egressID, room string) {
	if o.jobs == nil {
		return
	}
	if err := o.jobs.EnqueueVerifyArtifact(ctx, queue.SessionJobPayload{EgressID: egressID, RoomName: room}); err != nil {
		o.logger.Warn("enqueue verify failed", zap.String("egress_id", egressID), zap.Error(err))
	}
}
