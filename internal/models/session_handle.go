package models

import "time"

// FileResult is one output file reported by the remote egress.
type FileResult struct {
	Filename string `json:"filename"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size"`
	Duration int64  `json:"duration"`
}

// SessionHandle is the remote controller's view of one egress session.
type SessionHandle struct {
	EgressID    string       `json:"egress_id"`
	RoomName    string       `json:"room_name"`
	Status      string       `json:"status"`
	ErrorMsg    string       `json:"error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	FileResults []FileResult `json:"file_results,omitempty"`
}

// FirstFilename returns the first reported output filename, or "".
func (h *SessionHandle) FirstFilename() string {
	for _, f := range h.FileResults {
		if f.Filename != "" {
			return f.Filename
		}
	}
	return ""
}

// FirstLocation returns the first reported output location (URL), or "".
func (h *SessionHandle) FirstLocation() string {
	for _, f := range h.FileResults {
		if f.Location != "" {
			return f.Location
		}
	}
	return ""
}
