package orchestrator

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRoomName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Studio A", "studio-a"},
		{"studio-a", "studio-a"},
		{"STUDIO__a", "studio__a"},
		{"studio   a!!b", "studio-a-b"},
		{"--studio--", "studio"},
		{"Piano Room #3", "piano-room-3"},
		{"room.with.dots", "room-with-dots"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeRoomName(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeRoomNameIdempotent(t *testing.T) {
	inputs := []string{"Studio A", "a!!b##c", "  MIXED case_42  ", "---", "über-raum"}
	for _, in := range inputs {
		once := NormalizeRoomName(in)
		assert.Equal(t, once, NormalizeRoomName(once), "input %q", in)
	}
}

func TestNormalizeRoomNameCharset(t *testing.T) {
	valid := regexp.MustCompile(`^[a-z0-9_-]*$`)
	inputs := []string{"Studio A", "a!!b", "ROOM/\\:*?\"<>|", "日本語room", "x  y"}
	for _, in := range inputs {
		out := NormalizeRoomName(in)
		assert.True(t, valid.MatchString(out), "output %q for input %q", out, in)
		assert.NotContains(t, out, "--", "no repeated hyphens in %q", out)
	}
}

func TestRecordingPath(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 9, 26, 535_000_000, time.UTC)
	path := RecordingPath("studio-a", now)
	assert.Equal(t, "rooms/studio-a/2026-03-14T15-09-26-535Z.mp4", path)
	assert.NotContains(t, path, ":")
}
