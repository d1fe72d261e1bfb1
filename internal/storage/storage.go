// Package storage names the persistence collaborator the relay workers
// talk to. The relay core does not assume any particular backend; Memory
// below serves tests and single-binary development, real deployments
// plug in their own Engine.
package storage

import (
	"context"

	"github.com/adred-codev/immortal/internal/nostr"
)

// Engine persists events and answers historical queries.
type Engine interface {
	// Store persists ev. Returns false when the event was already
	// present; that is not an error.
	Store(ctx context.Context, ev *nostr.Event) (bool, error)

	// Query returns events matching any of the filters, newest first
	// (created_at descending, id ascending on ties), at most limit
	// events when limit > 0.
	Query(ctx context.Context, filters nostr.Filters, limit int) ([]*nostr.Event, error)

	// Delete removes the event with the given id. Deleting an absent id
	// is a no-op.
	Delete(ctx context.Context, id string) error
}
