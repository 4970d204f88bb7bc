package egress

import (
	"context"
	"errors"

	"github.com/studiocast/backend/internal/models"
)

// ErrConcurrencyLimit marks a start failure caused by the provider's maximum
// concurrent egress sessions. Matched with errors.Is at the orchestrator so
// callers get the blocking sessions instead of a generic failure.
var ErrConcurrencyLimit = errors.New("egress concurrency limit reached")

// ListFilter narrows a List call. Zero value lists everything.
type ListFilter struct {
	RoomName   string
	EgressID   string
	ActiveOnly bool
}

// Controller is the capability surface the orchestrator consumes from the
// remote egress control plane.
type Controller interface {
	// StartComposite starts a room-composite recording writing to filepath.
	// Fails with an error matching ErrConcurrencyLimit when the provider's
	// concurrent session ceiling is hit.
	StartComposite(ctx context.Context, roomName, filepath string) (*models.SessionHandle, error)

	// Stop ends a session. Stopping an already-stopped session is not fatal
	// from the caller's perspective; the adapter absorbs that case.
	Stop(ctx context.Context, egressID string) (*models.SessionHandle, error)

	// List returns sessions matching the filter.
	List(ctx context.Context, filter ListFilter) ([]*models.SessionHandle, error)
}
