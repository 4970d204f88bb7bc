package rooms

import (
	"context"
	"time"

	"github.com/livekit/protocol/livekit"
	"go.uber.org/zap"

	"github.com/studiocast/backend/internal/models"
	"github.com/studiocast/backend/pkg/retry"
)

// Registry lists the participants currently in a room. Implemented by the
// LiveKit room service adapter; faked in tests.
type Registry interface {
	ListParticipants(ctx context.Context, roomName string) ([]*livekit.ParticipantInfo, error)
}

// DefaultWaitPolicy bounds the pre-flight wait for a published track:
// 5 snapshots, 500ms apart (~2.5s total). A participant may have joined but
// not finished negotiating media yet; recording an empty room produces an
// empty artifact and a delayed remote failure. This converts that race into
// a bounded wait with a deterministic outcome.
var DefaultWaitPolicy = retry.Policy{MaxAttempts: 5, Interval: 500 * time.Millisecond}

// Inspector builds point-in-time track snapshots of a room. Read-only; it
// never mutates room or ledger state.
type Inspector struct {
	registry Registry
	policy   retry.Policy
	logger   *zap.Logger
}

// NewInspector creates a room track inspector with the default wait policy.
func NewInspector(registry Registry, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Inspector{registry: registry, policy: DefaultWaitPolicy, logger: logger}
}

// SetWaitPolicy overrides the polling policy (tests use a zero-interval one).
func (i *Inspector) SetWaitPolicy(p retry.Policy) { i.policy = p }

// Snapshot returns a fresh view of the room's participants and published tracks.
func (i *Inspector) Snapshot(ctx context.Context, roomName string) (*models.RoomTrackSnapshot, error) {
	participants, err := i.registry.ListParticipants(ctx, roomName)
	if err != nil {
		return nil, err
	}

	snap := &models.RoomTrackSnapshot{
		RoomName:     roomName,
		Participants: make([]models.RoomParticipant, 0, len(participants)),
	}
	for _, p := range participants {
		rp := models.RoomParticipant{
			ID:              p.Sid,
			Identity:        p.Identity,
			DisplayName:     p.Name,
			IsPublisher:     p.IsPublisher,
			PublishedTracks: make([]models.PublishedTrack, 0, len(p.Tracks)),
		}
		for _, t := range p.Tracks {
			track := models.PublishedTrack{
				ID:    t.Sid,
				Kind:  trackKind(t.Type),
				Name:  t.Name,
				Muted: t.Muted,
			}
			rp.PublishedTracks = append(rp.PublishedTracks, track)
			if track.Kind == "data" {
				continue
			}
			snap.PublishedTrackCount++
			if !t.Muted {
				snap.ActivePublishedTrackCount++
			}
		}
		snap.Participants = append(snap.Participants, rp)
	}
	snap.ParticipantCount = len(snap.Participants)
	return snap, nil
}

// WaitForActivePublishedTracks polls Snapshot under the wait policy until at
// least one unmuted audio/video track is published. It returns the last
// snapshot taken regardless of outcome; the caller inspects
// ActivePublishedTrackCount to decide success.
func (i *Inspector) WaitForActivePublishedTracks(ctx context.Context, roomName string) (*models.RoomTrackSnapshot, error) {
	var last *models.RoomTrackSnapshot
	err := i.policy.Do(ctx, func(attempt int) (bool, error) {
		snap, err := i.Snapshot(ctx, roomName)
		if err != nil {
			return false, err
		}
		last = snap
		if snap.ActivePublishedTrackCount > 0 {
			return true, nil
		}
		i.logger.Debug("no active published tracks yet",
			zap.String("room", roomName),
			zap.Int("attempt", attempt+1),
			zap.Int("participants", snap.ParticipantCount),
		)
		return false, nil
	})
	return last, err
}

func trackKind(t livekit.TrackType) string {
	switch t {
	case livekit.TrackType_AUDIO:
		return "audio"
	case livekit.TrackType_VIDEO:
		return "video"
	default:
		return "data"
	}
}
