// Package notify bridges record mutations performed by other processes on
// the same device into this process's sync queue.
//
// The sync engine's in-memory queue is private to one process; the only
// shared medium is the record store and its oplog. A Bus delivers oplog
// mutations made by *other* origins as Change events, so a sync engine
// holding a stale view of a record learns that another process advanced it.
//
// Two implementations exist: StoreWatcher polls the shared store's oplog
// (woken early by filesystem events on the database), and MemoryHub fans
// changes out over channels for tests and single-process wiring.
package notify

import "time"

// Change describes one record mutation observed from another execution
// context.
type Change struct {
	RecordID string
	Origin   string
	Version  int64
	Seq      int64
	At       time.Time
}

// Bus is the cross-context message channel the sync engine consumes.
//
// Publish announces a local mutation to other contexts. For the
// store-backed implementation this is a no-op because the oplog row written
// by the store already carries the announcement; the in-memory
// implementation forwards it over channels.
type Bus interface {
	// Publish announces a mutation performed by this context.
	Publish(c Change)

	// Events returns the channel of mutations performed by other
	// contexts. The channel is closed when the bus shuts down.
	Events() <-chan Change

	// Close stops delivery and releases resources.
	Close() error
}
