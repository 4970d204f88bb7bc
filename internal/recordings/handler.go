package recordings

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/studiocast/backend/internal/models"
	"github.com/studiocast/backend/internal/orchestrator"
	"github.com/studiocast/backend/pkg/response"
)

// ArtifactURLs derives playback URLs from stored object keys.
type ArtifactURLs interface {
	ObjectURL(key string) string
}

// ArtifactPresigner mints time-limited download URLs. Optional; detected on
// the ArtifactURLs implementation.
type ArtifactPresigner interface {
	PresignDownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
}

// ArtifactRemover deletes recording objects. Optional; detected on the
// ArtifactURLs implementation.
type ArtifactRemover interface {
	DeleteRecording(ctx context.Context, key string) error
}

// ActionRequest is the body for POST /recording.
type ActionRequest struct {
	Action   string `json:"action" binding:"required"`
	Room     string `json:"room"`
	EgressID string `json:"egressId"`
	All      bool   `json:"all"`
}

// SessionView is a ledger row decorated with a derived playback URL.
type SessionView struct {
	models.RecordingSession
	PlaybackURL string `json:"playback_url,omitempty"`
}

// Handler exposes the recording orchestrator over HTTP.
type Handler struct {
	orch   *orchestrator.Orchestrator
	urls   ArtifactURLs
	logger *zap.Logger
}

// NewHandler creates a recordings handler. urls may be nil; playback URLs then
// fall back to the stored file URL only.
func NewHandler(orch *orchestrator.Orchestrator, urls ArtifactURLs, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, urls: urls, logger: logger}
}

// Action handles POST /recording with {action: start|stop|cleanup, room, egressId?, all?}.
func (h *Handler) Action(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	switch req.Action {
	case "start":
		h.start(c, req)
	case "stop":
		h.stop(c, req)
	case "cleanup":
		h.cleanup(c, req)
	default:
		response.BadRequest(c, "unknown action: "+req.Action)
	}
}

func (h *Handler) start(c *gin.Context, req ActionRequest) {
	if req.Room == "" {
		response.BadRequest(c, "room required")
		return
	}
	result, err := h.orch.Start(c.Request.Context(), req.Room)
	if err != nil {
		var noMedia *orchestrator.NoMediaError
		if errors.As(err, &noMedia) {
			response.BadRequestData(c, err.Error(), noMedia.Snapshot)
			return
		}
		var limit *orchestrator.ConcurrencyLimitError
		if errors.As(err, &limit) {
			response.TooManyRequests(c, err.Error(), gin.H{"blockers": limit.Blockers})
			return
		}
		if errors.Is(err, orchestrator.ErrRecordingInProgress) {
			response.Conflict(c, err.Error())
			return
		}
		h.logger.Error("start recording failed", zap.String("room", req.Room), zap.Error(err))
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, result)
}

func (h *Handler) stop(c *gin.Context, req ActionRequest) {
	if req.Room == "" && req.EgressID == "" {
		response.BadRequest(c, "room or egressId required")
		return
	}
	result, err := h.orch.Stop(c.Request.Context(), req.Room, req.EgressID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoActiveSession) {
			response.NotFound(c, err.Error())
			return
		}
		h.logger.Error("stop recording failed", zap.String("room", req.Room), zap.Error(err))
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, result)
}

func (h *Handler) cleanup(c *gin.Context, req ActionRequest) {
	if req.Room == "" && !req.All {
		response.BadRequest(c, "room or all required")
		return
	}
	result, err := h.orch.Cleanup(c.Request.Context(), req.Room, req.All)
	if err != nil {
		h.logger.Error("cleanup failed", zap.String("room", req.Room), zap.Bool("all", req.All), zap.Error(err))
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, result)
}

// Get handles GET /recording. With egressId it returns live status plus room
// diagnostics and hints; with only room it returns reconciled ledger rows.
func (h *Handler) Get(c *gin.Context) {
	egressID := c.Query("egressId")
	room := c.Query("room")

	if egressID != "" {
		status, err := h.orch.Status(c.Request.Context(), room, egressID)
		if err != nil {
			h.logger.Error("session status failed", zap.String("egress_id", egressID), zap.Error(err))
			response.Internal(c, err.Error())
			return
		}
		if status.Live == nil && status.Stored == nil {
			response.NotFound(c, "session not found: "+egressID)
			return
		}
		response.OK(c, status)
		return
	}

	if room == "" {
		response.BadRequest(c, "room or egressId required")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rows, err := h.orch.ListSessions(c.Request.Context(), room, limit)
	if err != nil {
		h.logger.Error("list sessions failed", zap.String("room", room), zap.Error(err))
		response.Internal(c, err.Error())
		return
	}

	presign := c.Query("presign") == "true"
	views := make([]SessionView, 0, len(rows))
	for _, rec := range rows {
		url := h.playbackURL(rec)
		if presign {
			if signed := h.presignedURL(c.Request.Context(), rec); signed != "" {
				url = signed
			}
		}
		views = append(views, SessionView{RecordingSession: rec, PlaybackURL: url})
	}
	response.OK(c, gin.H{"room": room, "sessions": views})
}

// Delete handles DELETE /recording?room=... and purges the room's ledger rows.
// With artifacts=true the stored S3 objects are removed too, best-effort.
func (h *Handler) Delete(c *gin.Context) {
	room := c.Query("room")
	if room == "" {
		response.BadRequest(c, "room required")
		return
	}

	var artifactsDeleted int
	if c.Query("artifacts") == "true" {
		artifactsDeleted = h.deleteArtifacts(c.Request.Context(), room)
	}

	n, err := h.orch.Purge(c.Request.Context(), room)
	if err != nil {
		h.logger.Error("purge failed", zap.String("room", room), zap.Error(err))
		response.Internal(c, err.Error())
		return
	}
	response.OK(c, gin.H{"room": room, "deleted": n, "artifacts_deleted": artifactsDeleted})
}

// deleteArtifacts removes the S3 objects behind a room's ledger rows. Rows that
// cannot be deleted are logged and skipped; the ledger purge proceeds regardless.
func (h *Handler) deleteArtifacts(ctx context.Context, room string) int {
	remover, ok := h.urls.(ArtifactRemover)
	if !ok {
		return 0
	}
	rows, err := h.orch.ListSessions(ctx, room, 0)
	if err != nil {
		h.logger.Warn("list sessions for artifact delete failed", zap.String("room", room), zap.Error(err))
		return 0
	}
	deleted := 0
	for _, rec := range rows {
		if rec.Filepath == "" {
			continue
		}
		if err := remover.DeleteRecording(ctx, rec.Filepath); err != nil {
			h.logger.Warn("delete artifact failed", zap.String("filepath", rec.Filepath), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted
}

// playbackURL prefers the remote-reported file URL, falling back to a URL
// constructed from the deterministic object key.
func (h *Handler) playbackURL(rec models.RecordingSession) string {
	if rec.FileURL != "" {
		return rec.FileURL
	}
	if h.urls != nil && rec.Filepath != "" {
		return h.urls.ObjectURL(rec.Filepath)
	}
	return ""
}

// presignedURL returns a time-limited download URL for the row's object, or ""
// when the store cannot presign or the row has no stored key.
func (h *Handler) presignedURL(ctx context.Context, rec models.RecordingSession) string {
	signer, ok := h.urls.(ArtifactPresigner)
	if !ok || rec.Filepath == "" {
		return ""
	}
	url, err := signer.PresignDownloadURL(ctx, rec.Filepath, signer.PresignExpire())
	if err != nil {
		h.logger.Warn("presign failed", zap.String("filepath", rec.Filepath), zap.Error(err))
		return ""
	}
	return url
}
