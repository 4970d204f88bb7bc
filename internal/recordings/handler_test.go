package recordings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studiocast/backend/internal/egress"
	"github.com/studiocast/backend/internal/models"
	"github.com/studiocast/backend/internal/orchestrator"
)

// memLedger is an in-memory orchestrator.Ledger with repository upsert semantics.
type memLedger struct {
	mu   sync.Mutex
	rows map[string]*models.RecordingSession
}

func newMemLedger() *memLedger { return &memLedger{rows: map[string]*models.RecordingSession{}} }

func (l *memLedger) Upsert(_ context.Context, rec *models.RecordingSession) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.rows[rec.EgressID]
	if !ok {
		cp := *rec
		if cp.StartedAt.IsZero() {
			cp.StartedAt = time.Now()
		}
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
	*rec = *existing
	return nil
}

func (l *memLedger) GetByEgressID(_ context.Context, egressID string) (*models.RecordingSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.rows[egressID]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (l *memLedger) ListByRoom(_ context.Context, roomName string, limit int) ([]models.RecordingSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var list []models.RecordingSession
	for _, rec := range l.rows {
		if rec.RoomName == roomName {
			list = append(list, *rec)
		}
	}
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (l *memLedger) ListActiveByRoom(_ context.Context, roomName string) ([]models.RecordingSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var list []models.RecordingSession
	for _, rec := range l.rows {
		if rec.RoomName == roomName && !models.IsTerminalStatus(rec.Status) {
			list = append(list, *rec)
		}
	}
	return list, nil
}

func (l *memLedger) DeleteByRoom(_ context.Context, roomName string) (int64, error) {
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

// memController scripts the remote control plane.
type memController struct {
	mu       sync.Mutex
	active   []*models.SessionHandle
	byID     map[string]*models.SessionHandle
	nextID   int
	startErr error
}

func newMemController() *memController {
	return &memController{byID: map[string]*models.SessionHandle{}}
}

func (c *memController) addActive(room, egressID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := &models.SessionHandle{EgressID: egressID, RoomName: room, Status: models.SessionStatusActive, StartedAt: time.Now()}
	c.active = append(c.active, h)
	c.byID[egressID] = h
}

func (c *memController) StartComposite(_ context.Context, roomName, _ string) (*models.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
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
	return h, nil
}

func (c *memController) Stop(_ context.Context, egressID string) (*models.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
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

func (c *memController) List(_ context.Context, filter egress.ListFilter) ([]*models.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if filter.EgressID != "" {
		if h, ok := c.byID[filter.EgressID]; ok {
			return []*models.SessionHandle{h}, nil
		}
		return nil, nil
	}
	var out []*models.SessionHandle
	for _, h := range c.active {
		if filter.RoomName == "" || h.RoomName == filter.RoomName {
			out = append(out, h)
		}
	}
	return out, nil
}

// memInspector returns a fixed snapshot.
type memInspector struct {
	snapshot *models.RoomTrackSnapshot
}

func (i *memInspector) Snapshot(_ context.Context, _ string) (*models.RoomTrackSnapshot, error) {
	return i.snapshot, nil
}

func (i *memInspector) WaitForActivePublishedTracks(_ context.Context, _ string) (*models.RoomTrackSnapshot, error) {
	return i.snapshot, nil
}

// memLocker always grants the lock.
type memLocker struct{}

func (memLocker) Acquire(_ context.Context, _ string) (func(), error) { return func() {}, nil }

// fixedURLs builds playback URLs from keys.
type fixedURLs struct{}

func (fixedURLs) ObjectURL(key string) string {
	return "https://recordings.s3.us-east-1.amazonaws.com/" + key
}

// signingURLs additionally presigns downloads and deletes objects.
type signingURLs struct {
	fixedURLs
	mu      sync.Mutex
	deleted []string
}

func (s *signingURLs) PresignDownloadURL(_ context.Context, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("https://recordings.s3.us-east-1.amazonaws.com/%s?X-Amz-Expires=%d", key, int(expires.Seconds())), nil
}

func (s *signingURLs) PresignExpire() time.Duration { return 15 * time.Minute }

func (s *signingURLs) DeleteRecording(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, key)
	return nil
}

func snapshotWithTracks(room string, activeTracks int) *models.RoomTrackSnapshot {
	snap := &models.RoomTrackSnapshot{RoomName: room, ParticipantCount: 1}
	p := models.RoomParticipant{ID: "PA_1", Identity: "teacher", IsPublisher: activeTracks > 0}
	for i := 0; i < activeTracks; i++ {
		p.PublishedTracks = append(p.PublishedTracks, models.PublishedTrack{ID: fmt.Sprintf("TR_%d", i), Kind: "video"})
		snap.PublishedTrackCount++
		snap.ActivePublishedTrackCount++
	}
	snap.Participants = []models.RoomParticipant{p}
	return snap
}

func newTestServer(ledger *memLedger, controller *memController, snapshot *models.RoomTrackSnapshot) *gin.Engine {
	return newTestServerWithURLs(ledger, controller, snapshot, fixedURLs{})
}

func newTestServerWithURLs(ledger *memLedger, controller *memController, snapshot *models.RoomTrackSnapshot, urls ArtifactURLs) *gin.Engine {
	gin.SetMode(gin.TestMode)
	orch := orchestrator.New(ledger, &memInspector{snapshot: snapshot}, controller, memLocker{}, nil, nil)
	orch.SetGracePeriod(0)
	h := NewHandler(orch, urls, nil)

	router := gin.New()
	router.POST("/recording", h.Action)
	router.GET("/recording", h.Get)
	router.DELETE("/recording", h.Delete)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, url string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var parsed map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

func TestActionUnknown(t *testing.T) {
	router := newTestServer(newMemLedger(), newMemController(), snapshotWithTracks("studio-a", 1))
	w, body := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "pause", "room": "studio-a"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body["error"], "unknown action")
}

func TestStartNoMediaReturns400WithSnapshot(t *testing.T) {
	router := newTestServer(newMemLedger(), newMemController(), snapshotWithTracks("studio-a", 0))
	w, body := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "start", "room": "studio-a"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	data, ok := body["data"].(map[string]interface{})
	require.True(t, ok, "diagnostic snapshot expected in response")
	assert.EqualValues(t, 0, data["active_published_track_count"])
	assert.EqualValues(t, 1, data["participant_count"])
}

func TestStartThenStopRoundTrip(t *testing.T) {
	ledger := newMemLedger()
	controller := newMemController()
	router := newTestServer(ledger, controller, snapshotWithTracks("studio-a", 1))

	w, body := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "start", "room": "studio-a"})
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	session := data["session"].(map[string]interface{})
	egressID := session["egress_id"].(string)
	assert.NotEmpty(t, egressID)
	assert.Equal(t, models.SessionStatusStarting, session["status"])

	// stop without an explicit id resolves the session just started
	w, body = doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "stop", "room": "studio-a"})
	require.Equal(t, http.StatusOK, w.Code)

	data = body["data"].(map[string]interface{})
	stopped := data["session"].(map[string]interface{})
	assert.Equal(t, egressID, stopped["egress_id"])
	assert.Equal(t, models.SessionStatusComplete, stopped["status"])
	assert.NotNil(t, stopped["ended_at"])
}

func TestStartClearsExistingSessions(t *testing.T) {
	ledger := newMemLedger()
	controller := newMemController()
	controller.addActive("studio-b", "EG-a")
	controller.addActive("studio-b", "EG-b")
	router := newTestServer(ledger, controller, snapshotWithTracks("studio-b", 1))

	w, body := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "start", "room": "studio-b"})
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	cleared := data["cleared"].([]interface{})
	assert.Len(t, cleared, 2)
	session := data["session"].(map[string]interface{})
	assert.NotEqual(t, "EG-a", session["egress_id"])
	assert.NotEqual(t, "EG-b", session["egress_id"])
}

func TestStartConcurrencyLimitReturns429(t *testing.T) {
	controller := newMemController()
	controller.addActive("other", "EG-blocker")
	controller.startErr = fmt.Errorf("%w: provider refused", egress.ErrConcurrencyLimit)
	router := newTestServer(newMemLedger(), controller, snapshotWithTracks("studio-a", 1))

	w, body := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "start", "room": "studio-a"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	data := body["data"].(map[string]interface{})
	blockers := data["blockers"].([]interface{})
	require.Len(t, blockers, 1)
	blocker := blockers[0].(map[string]interface{})
	assert.Equal(t, "EG-blocker", blocker["egress_id"])
}

func TestStopNoActiveReturns404(t *testing.T) {
	router := newTestServer(newMemLedger(), newMemController(), snapshotWithTracks("studio-a", 1))
	w, _ := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "stop", "room": "studio-a"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCleanupReportsStoppedAndRemaining(t *testing.T) {
	controller := newMemController()
	controller.addActive("studio-c", "EG-1")
	controller.addActive("studio-c", "EG-2")
	router := newTestServer(newMemLedger(), controller, snapshotWithTracks("studio-c", 1))

	w, body := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "cleanup", "room": "studio-c"})
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	stopped := data["stopped"].([]interface{})
	assert.Len(t, stopped, 2)
	assert.Empty(t, data["remaining"])
}

func TestGetSessionsDerivesPlaybackURL(t *testing.T) {
	ledger := newMemLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Upsert(ctx, &models.RecordingSession{
		RoomName: "studio-a", EgressID: "EG-url", Status: models.SessionStatusComplete,
		Filepath: "rooms/studio-a/a.mp4", FileURL: "https://cdn.example.com/a.mp4",
	}))
	require.NoError(t, ledger.Upsert(ctx, &models.RecordingSession{
		RoomName: "studio-a", EgressID: "EG-key", Status: models.SessionStatusComplete,
		Filepath: "rooms/studio-a/b.mp4", FileURL: "", ErrorMsg: "",
	}))
	// the row without a file URL stays stale; the controller knows nothing about it
	router := newTestServer(ledger, newMemController(), snapshotWithTracks("studio-a", 1))

	w, body := doJSON(t, router, http.MethodGet, "/recording?room=studio-a&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	sessions := data["sessions"].([]interface{})
	require.Len(t, sessions, 2)

	urls := map[string]string{}
	for _, s := range sessions {
		m := s.(map[string]interface{})
		urls[m["egress_id"].(string)], _ = m["playback_url"].(string)
	}
	assert.Equal(t, "https://cdn.example.com/a.mp4", urls["EG-url"])
	assert.Equal(t, "https://recordings.s3.us-east-1.amazonaws.com/rooms/studio-a/b.mp4", urls["EG-key"])
}

func TestGetSessionsPresignedURLs(t *testing.T) {
	ledger := newMemLedger()
	require.NoError(t, ledger.Upsert(context.Background(), &models.RecordingSession{
		RoomName: "studio-a", EgressID: "EG-1", Status: models.SessionStatusComplete,
		Filepath: "rooms/studio-a/a.mp4", FileURL: "https://cdn.example.com/a.mp4",
	}))
	urls := &signingURLs{}
	router := newTestServerWithURLs(ledger, newMemController(), snapshotWithTracks("studio-a", 1), urls)

	w, body := doJSON(t, router, http.MethodGet, "/recording?room=studio-a&presign=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	sessions := data["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	url := sessions[0].(map[string]interface{})["playback_url"].(string)
	assert.Contains(t, url, "X-Amz-Expires=900")
}

func TestDeleteWithArtifacts(t *testing.T) {
	ledger := newMemLedger()
	ctx := context.Background()
	require.NoError(t, ledger.Upsert(ctx, &models.RecordingSession{
		RoomName: "studio-a", EgressID: "EG-1", Status: models.SessionStatusComplete,
		Filepath: "rooms/studio-a/a.mp4", FileURL: "https://cdn.example.com/a.mp4",
	}))
	require.NoError(t, ledger.Upsert(ctx, &models.RecordingSession{
		RoomName: "studio-a", EgressID: "EG-2", Status: models.SessionStatusFailed,
		ErrorMsg: "no media",
	}))
	urls := &signingURLs{}
	router := newTestServerWithURLs(ledger, newMemController(), snapshotWithTracks("studio-a", 1), urls)

	w, body := doJSON(t, router, http.MethodDelete, "/recording?room=studio-a&artifacts=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 2, data["deleted"])
	assert.EqualValues(t, 1, data["artifacts_deleted"])
	assert.Equal(t, []string{"rooms/studio-a/a.mp4"}, urls.deleted)
}

func TestGetStatusNotFound(t *testing.T) {
	router := newTestServer(newMemLedger(), newMemController(), snapshotWithTracks("studio-a", 1))
	w, _ := doJSON(t, router, http.MethodGet, "/recording?egressId=EG-missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStatusLive(t *testing.T) {
	controller := newMemController()
	controller.addActive("studio-a", "EG-live")
	router := newTestServer(newMemLedger(), controller, snapshotWithTracks("studio-a", 1))

	w, body := doJSON(t, router, http.MethodGet, "/recording?egressId=EG-live&room=studio-a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	live := data["live"].(map[string]interface{})
	assert.Equal(t, models.SessionStatusActive, live["status"])
	assert.EqualValues(t, 1, data["active_count"])
}

func TestDeletePurgesRoom(t *testing.T) {
	ledger := newMemLedger()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, ledger.Upsert(ctx, &models.RecordingSession{
			RoomName: "studio-a", EgressID: fmt.Sprintf("EG-%d", i), Status: models.SessionStatusComplete,
			FileURL: "https://cdn.example.com/x.mp4",
		}))
	}
	router := newTestServer(ledger, newMemController(), snapshotWithTracks("studio-a", 1))

	w, body := doJSON(t, router, http.MethodDelete, "/recording?room=studio-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 2, data["deleted"])
}

func TestDeleteWithArtifactsCoversAllRows(t *testing.T) {
	ledger := newMemLedger()
	ctx := context.Background()
	const total = 60 // more rows than the read path's default page
	for i := 0; i < total; i++ {
		require.NoError(t, ledger.Upsert(ctx, &models.RecordingSession{
			RoomName: "studio-a", EgressID: fmt.Sprintf("EG-%d", i), Status: models.SessionStatusComplete,
			Filepath: fmt.Sprintf("rooms/studio-a/%d.mp4", i),
			FileURL:  fmt.Sprintf("https://cdn.example.com/%d.mp4", i),
		}))
	}
	urls := &signingURLs{}
	router := newTestServerWithURLs(ledger, newMemController(), snapshotWithTracks("studio-a", 1), urls)

	w, body := doJSON(t, router, http.MethodDelete, "/recording?room=studio-a&artifacts=true", nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, total, data["deleted"])
	assert.EqualValues(t, total, data["artifacts_deleted"])
	assert.Len(t, urls.deleted, total)
}

func TestMissingRoomValidation(t *testing.T) {
	router := newTestServer(newMemLedger(), newMemController(), snapshotWithTracks("studio-a", 1))

	w, _ := doJSON(t, router, http.MethodPost, "/recording", gin.H{"action": "start"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, router, http.MethodGet, "/recording", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, router, http.MethodDelete, "/recording", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
