package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiocast/backend/internal/egress"
	"github.com/studiocast/backend/internal/models"
	"github.com/studiocast/backend/pkg/locks"
	"github.com/studiocast/backend/pkg/queue"
)

// fakeLedger mirrors the repository's upsert semantics in memory: one row per
// egress id, write-once filepath/started_at, empty-fallback for the rest.
type fakeLedger struct {
	mu      sync.Mutex
	rows    map[string]*models.RecordingSession
	upserts int
	err     error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*models.RecordingSession{}}
}

func (l *fakeLedger) Upsert(_ context.Context, rec *models.RecordingSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upserts++
	if l.err != nil {
		return l.err
	}
	existing, ok := l.rows[rec.EgressID]
	if !ok {
		cp := *rec
		cp.ID = uuid.New()
		if cp.StartedAt.IsZero() {
			cp.StartedAt = time.Now()
		}
		cp.CreatedAt = time.Now()
		cp.UpdatedAt = cp.CreatedAt
		l.rows[rec.EgressID] = &cp
		*rec = cp
		return nil
	}
	if rec.RoomName != "" {
		existing.RoomName = rec.RoomName
	}
	if rec.Status != "" {
		existing.Status = rec.Status
	}
	if rec.EndedAt != nil {
		existing.EndedAt = rec.EndedAt
	}
	if existing.Filepath == "" {
		existing.Filepath = rec.Filepath
	}
	if rec.FileURL != "" {
		existing.FileURL = rec.FileURL
	}
	if rec.ErrorMsg != "" {
		existing.ErrorMsg = rec.ErrorMsg
	}
	existing.UpdatedAt = time.Now()
	*rec = *existing
	return nil
}

func (l *fakeLedger) GetByEgressID(_ context.Context, egressID string) (*models.RecordingSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.rows[egressID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (l *fakeLedger) ListByRoom(_ context.Context, roomName string, limit int) ([]models.RecordingSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var list []models.RecordingSession
	for _, rec := range l.rows {
		if rec.RoomName == roomName {
			list = append(list, *rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (l *fakeLedger) ListActiveByRoom(_ context.Context, roomName string) ([]models.RecordingSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var list []models.RecordingSession
	for _, rec := range l.rows {
		if rec.RoomName == roomName && !models.IsTerminalStatus(rec.Status) {
			list = append(list, *rec)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
	return list, nil
}

func (l *fakeLedger) DeleteByRoom(_ context.Context, roomName string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for id, rec := range l.rows {
		if rec.RoomName == roomName {
			delete(l.rows, id)
			n++
		}
	}
	return n, nil
}

// fakeController scripts the remote control plane.
type fakeController struct {
	mu      sync.Mutex
	active  []*models.SessionHandle
	byID    map[string]*models.SessionHandle
	nextID  int
	started []string

	startErr error
	stopErr  map[string]error

	startCalls int
	stopCalls  int
	listCalls  int
}

func newFakeController() *fakeController {
	return &fakeController{byID: map[string]*models.SessionHandle{}, stopErr: map[string]error{}}
}

func (c *fakeController) addActive(room, egressID string) *models.SessionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &models.SessionHandle{
		EgressID:  egressID,
		RoomName:  room,
		Status:    models.SessionStatusActive,
		StartedAt: time.Now().Add(-time.Minute),
	}
	c.active = append(c.active, h)
	c.byID[egressID] = h
	return h
}

func (c *fakeController) StartComposite(_ context.Context, roomName, _ string) (*models.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.nextID++
	h := &models.SessionHandle{
		EgressID:  fmt.Sprintf("EG-%d", c.nextID),
		RoomName:  roomName,
		Status:    models.SessionStatusStarting,
		StartedAt: time.Now(),
	}
	c.byID[h.EgressID] = h
	c.active = append(c.active, h)
	c.started = append(c.started, h.EgressID)
	return h, nil
}

func (c *fakeController) Stop(_ context.Context, egressID string) (*models.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	if err := c.stopErr[egressID]; err != nil {
		return nil, err
	}
	h, ok := c.byID[egressID]
	if !ok {
		return nil, fmt.Errorf("egress not found: %s", egressID)
	}
	h.Status = models.SessionStatusComplete
	now := time.Now()
	h.EndedAt = &now
	for i, a := range c.active {
		if a.EgressID == egressID {
			c.active = append(c.active[:i], c.active[i+1:]...)
			break
		}
	}
	return h, nil
}

func (c *fakeController) List(_ context.Context, filter egress.ListFilter) ([]*models.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listCalls++
	if filter.EgressID != "" {
		if h, ok := c.byID[filter.EgressID]; ok {
			return []*models.SessionHandle{h}, nil
		}
		return nil, nil
	}
	var out []*models.SessionHandle
	source := c.active
	if !filter.ActiveOnly {
		source = nil
		for _, h := range c.byID {
			source = append(source, h)
		}
	}
	for _, h := range source {
		if filter.RoomName == "" || h.RoomName == filter.RoomName {
			out = append(out, h)
		}
	}
	return out, nil
}

// fakeInspector returns a scripted final snapshot without polling.
type fakeInspector struct {
	snapshot  *models.RoomTrackSnapshot
	err       error
	waitCalls int
}

func (i *fakeInspector) Snapshot(_ context.Context, _ string) (*models.RoomTrackSnapshot, error) {
	return i.snapshot, i.err
}

func (i *fakeInspector) WaitForActivePublishedTracks(_ context.Context, _ string) (*models.RoomTrackSnapshot, error) {
	i.waitCalls++
	return i.snapshot, i.err
}

// fakeLocker tracks held room locks in memory.
type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (l *fakeLocker) Acquire(_ context.Context, roomName string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquires++
	if l.held[roomName] {
		return nil, locks.ErrAlreadyLocked
	}
	l.held[roomName] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, roomName)
	}, nil
}

// fakeEnqueuer records enqueued maintenance jobs.
type fakeEnqueuer struct {
	mu         sync.Mutex
	reconciles []queue.SessionJobPayload
	verifies   []queue.SessionJobPayload
}

func (e *fakeEnqueuer) EnqueueReconcile(_ context.Context, p queue.SessionJobPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reconciles = append(e.reconciles, p)
	return nil
}

func (e *fakeEnqueuer) EnqueueVerifyArtifact(_ context.Context, p queue.SessionJobPayload) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verifies = append(e.verifies, p)
	return nil
}

func activeSnapshot(room string) *models.RoomTrackSnapshot {
	return &models.RoomTrackSnapshot{
		RoomName:                  room,
		ParticipantCount:          1,
		PublishedTrackCount:       1,
		ActivePublishedTrackCount: 1,
		Participants: []models.RoomParticipant{{
			ID:          "PA_1",
			Identity:    "teacher",
			IsPublisher: true,
			PublishedTracks: []models.PublishedTrack{{
				ID:   "TR_1",
				Kind: "video",
			}},
		}},
	}
}

func emptySnapshot(room string) *models.RoomTrackSnapshot {
	return &models.RoomTrackSnapshot{RoomName: room, ParticipantCount: 1, Participants: []models.RoomParticipant{{ID: "PA_1", Identity: "lurker"}}}
}
