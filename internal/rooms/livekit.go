package rooms

import (
	"context"
	"fmt"
	"strings"

	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/studiocast/backend/config"
)

// LiveKitRegistry implements Registry over the LiveKit room service API.
type LiveKitRegistry struct {
	client *lksdk.RoomServiceClient
}

// NewLiveKitRegistry creates a room registry backed by LiveKit.
func NewLiveKitRegistry(cfg config.LiveKitConfig) *LiveKitRegistry {
	return &LiveKitRegistry{
		client: lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
	}
}

// ListParticipants returns the participants currently connected to a room.
// A room that does not exist yet is treated as empty, not as an error, so a
// pre-flight check against a not-yet-created room fails on the track count.
func (r *LiveKitRegistry) ListParticipants(ctx context.Context, roomName string) ([]*livekit.ParticipantInfo, error) {
	res, err := r.client.ListParticipants(ctx, &livekit.ListParticipantsRequest{Room: roomName})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return res.Participants, nil
}
