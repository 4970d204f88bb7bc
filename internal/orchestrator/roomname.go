package orchestrator

import (
	"regexp"
	"strings"
	"time"
)

var (
	disallowedChars = regexp.MustCompile(`[^a-z0-9_-]+`)
	repeatedHyphens = regexp.MustCompile(`-{2,}`)
)

// NormalizeRoomName lowercases a room name and replaces disallowed characters
// with a hyphen, collapsing repeats. Idempotent: normalizing an already
// normalized name returns it unchanged.
func NormalizeRoomName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = disallowedChars.ReplaceAllString(s, "-")
	s = repeatedHyphens.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}

// RecordingPath builds the deterministic object key for a new recording:
// rooms/{room}/{timestamp}.mp4, with ':' and '.' in the timestamp replaced by
// '-' so the key is safe for object storage and filesystems alike.
func RecordingPath(roomName string, now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15:04:05.000Z")
	ts = strings.NewReplacer(":", "-", ".", "-").Replace(ts)
	return "rooms/" + roomName + "/" + ts + ".mp4"
}
