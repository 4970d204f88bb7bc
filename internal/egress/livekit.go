package egress

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"go.uber.org/zap"

	"github.com/studiocast/backend/config"
	"github.com/studiocast/backend/internal/models"
)

// egressAPI is the subset of lksdk.EgressClient the adapter calls.
type egressAPI interface {
	StartRoomCompositeEgress(ctx context.Context, req *livekit.RoomCompositeEgressRequest) (*livekit.EgressInfo, error)
	StopEgress(ctx context.Context, req *livekit.StopEgressRequest) (*livekit.EgressInfo, error)
	ListEgress(ctx context.Context, req *livekit.ListEgressRequest) (*livekit.ListEgressResponse, error)
}

// LiveKitController implements Controller over the LiveKit egress API.
// Recordings are written by the provider directly into the configured S3
// bucket; this process never touches the media itself.
type LiveKitController struct {
	client egressAPI
	layout string
	s3     config.AWSConfig
	logger *zap.Logger
}

// NewLiveKitController creates an egress controller backed by LiveKit.
func NewLiveKitController(cfg config.LiveKitConfig, aws config.AWSConfig, logger *zap.Logger) *LiveKitController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveKitController{
		client: lksdk.NewEgressClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		layout: cfg.Layout,
		s3:     aws,
		logger: logger,
	}
}

// StartComposite starts a room-composite egress writing an MP4 to S3 at filepath.
func (c *LiveKitController) StartComposite(ctx context.Context, roomName, filepath string) (*models.SessionHandle, error) {
	req := &livekit.RoomCompositeEgressRequest{
		RoomName: roomName,
		Layout:   c.layout,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_MP4,
			Filepath: filepath,
			Output: &livekit.EncodedFileOutput_S3{S3: &livekit.S3Upload{
				AccessKey: c.s3.AccessKeyID,
				Secret:    c.s3.SecretAccessKey,
				Region:    c.s3.Region,
				Bucket:    c.s3.RecordingsBucket,
			}},
		}},
	}
	info, err := c.client.StartRoomCompositeEgress(ctx, req)
	if err != nil {
		if isLimitError(err) {
			return nil, fmt.Errorf("%w: %s", ErrConcurrencyLimit, err.Error())
		}
		return nil, fmt.Errorf("start room composite egress: %w", err)
	}
	c.logger.Info("egress started",
		zap.String("egress_id", info.EgressId),
		zap.String("room", roomName),
		zap.String("filepath", filepath),
	)
	return handleFromInfo(info), nil
}

// Stop ends an egress session. A session that already stopped on the remote
// side is returned as-is rather than surfaced as a failure.
func (c *LiveKitController) Stop(ctx context.Context, egressID string) (*models.SessionHandle, error) {
	info, err := c.client.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID})
	if err != nil {
		if isAlreadyStopped(err) {
			if existing := c.lookup(ctx, egressID); existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("stop egress %s: %w", egressID, err)
	}
	return handleFromInfo(info), nil
}

// List returns sessions matching the filter.
func (c *LiveKitController) List(ctx context.Context, filter ListFilter) ([]*models.SessionHandle, error) {
	res, err := c.client.ListEgress(ctx, &livekit.ListEgressRequest{
		RoomName: filter.RoomName,
		EgressId: filter.EgressID,
		Active:   filter.ActiveOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("list egress: %w", err)
	}
	handles := make([]*models.SessionHandle, 0, len(res.Items))
	for _, info := range res.Items {
		handles = append(handles, handleFromInfo(info))
	}
	return handles, nil
}

func (c *LiveKitController) lookup(ctx context.Context, egressID string) *models.SessionHandle {
	handles, err := c.List(ctx, ListFilter{EgressID: egressID})
	if err != nil || len(handles) == 0 {
		return nil
	}
	return handles[0]
}

// StatusFromEgress maps a livekit egress status to a ledger status string.
func StatusFromEgress(s livekit.EgressStatus) string {
	switch s {
	case livekit.EgressStatus_EGRESS_STARTING:
		return models.SessionStatusStarting
	case livekit.EgressStatus_EGRESS_ACTIVE:
		return models.SessionStatusActive
	case livekit.EgressStatus_EGRESS_ENDING:
		return models.SessionStatusEnding
	case livekit.EgressStatus_EGRESS_COMPLETE:
		return models.SessionStatusComplete
	case livekit.EgressStatus_EGRESS_ABORTED:
		return models.SessionStatusAborted
	default:
		return models.SessionStatusFailed
	}
}

func handleFromInfo(info *livekit.EgressInfo) *models.SessionHandle {
	h := &models.SessionHandle{
		EgressID: info.EgressId,
		RoomName: info.RoomName,
		Status:   StatusFromEgress(info.Status),
		ErrorMsg: info.Error,
	}
	if info.StartedAt > 0 {
		h.StartedAt = time.Unix(0, info.StartedAt)
	}
	if info.EndedAt > 0 {
		t := time.Unix(0, info.EndedAt)
		h.EndedAt = &t
	}
	for _, f := range info.FileResults {
		h.FileResults = append(h.FileResults, models.FileResult{
			Filename: f.Filename,
			Location: f.Location,
			Size:     f.Size,
			Duration: f.Duration,
		})
	}
	return h
}

// isLimitError recognizes the provider's concurrency ceiling. LiveKit reports
// it as a resource_exhausted twirp error mentioning the egress limit.
func isLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "resource exhausted") ||
		strings.Contains(msg, "limit reached") ||
		strings.Contains(msg, "limit exceeded")
}

func isAlreadyStopped(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") &&
		(strings.Contains(msg, "stopped") || strings.Contains(msg, "ended") || strings.Contains(msg, "complete"))
}
