// Package sync provides the prediction synchronization engine: an
// offline-first layer that serves reads and writes from the local record
// store, opportunistically replicates records to the remote prediction
// store, and collapses version conflicts between concurrent writers to a
// single winner.
package sync

import (
	"context"

	"github.com/pitchcall/pitchcall/internal/record"
)

// Client is the remote replica the engine pushes to and pulls from. It is
// stateless between calls; the concrete implementation lives in the remote
// package.
//
// Fetch returns the authoritative remote copy or remote.ErrNotFound.
// Upload sends a local record; a rejected write whose server-side copy
// disagrees comes back as a *remote.ConflictError, every other failure is
// transient and simply retried on a later pass.
type Client interface {
	Fetch(ctx context.Context, id string) (*record.Record, error)
	Upload(ctx context.Context, rec *record.Record) error
}
