package models

// PublishedTrack is one media track a participant has published to a room.
type PublishedTrack struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"` // audio | video | data
	Name  string `json:"name,omitempty"`
	Muted bool   `json:"muted"`
}

// RoomParticipant is one participant in a room track snapshot.
type RoomParticipant struct {
	ID              string           `json:"id"`
	Identity        string           `json:"identity"`
	DisplayName     string           `json:"display_name,omitempty"`
	IsPublisher     bool             `json:"is_publisher"`
	PublishedTracks []PublishedTrack `json:"published_tracks"`
}

// RoomTrackSnapshot is an ephemeral, point-in-time view of a room's published
// media. Built fresh on every pre-flight check; never persisted or cached.
type RoomTrackSnapshot struct {
	RoomName                  string            `json:"room_name"`
	ParticipantCount          int               `json:"participant_count"`
	PublishedTrackCount       int               `json:"published_track_count"`
	ActivePublishedTrackCount int               `json:"active_published_track_count"`
	Participants              []RoomParticipant `json:"participants"`
}
