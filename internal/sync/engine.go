package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitchcall/pitchcall/internal/notify"
	"github.com/pitchcall/pitchcall/internal/record"
	"github.com/pitchcall/pitchcall/internal/remote"
	"github.com/pitchcall/pitchcall/internal/store"
)

// ErrNotFound is returned by Get when neither the local cache nor the
// remote store has a usable record.
var ErrNotFound = store.ErrNotFound

// ErrOffline is returned by ForceSync when the engine has no connectivity.
// Callers decide whether to wait for it to return.
var ErrOffline = errors.New("sync engine is offline")

// Config holds engine configuration.
type Config struct {
	// SyncInterval is the recurring pass trigger, independent of queue
	// size (default: 15s).
	SyncInterval time.Duration

	// ErrorHistory bounds the rolling list of failure reasons kept for
	// status reporting (default: 8).
	ErrorHistory int

	// Origin identifies this execution context. When empty the engine
	// derives one from the store's device id plus a random suffix.
	Origin string

	// StartOnline sets the initial connectivity assumption.
	StartOnline bool

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 15 * time.Second,
		ErrorHistory: 8,
		StartOnline:  true,
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Status is the snapshot delivered to subscribers after each sync pass and
// on connectivity transitions.
type Status struct {
	Online    bool      `json:"isOnline"`
	LastSync  time.Time `json:"lastSyncTime"`
	Pending   int       `json:"pendingSync"`
	Conflicts int       `json:"conflicts"`
	Errors    []string  `json:"errors"`
}

// Engine owns the sync state for one execution context: the pending queue,
// the connectivity flag, and the in-progress guard. It is explicitly
// constructed with its collaborators injected; nothing here is global, so
// tests run fresh instances side by side.
//
// Reads and writes never block on the network: Store and Get complete
// against the local cache, and remote reconciliation happens asynchronously
// in sync passes. Passes are triggered by a recurring ticker, connectivity
// regained, an explicit ForceSync, a Wake from the host, or a cross-context
// change notification; all triggers funnel through one coalescing request,
// and a pass processes only the ids queued when it started.
type Engine struct {
	store    *store.Store
	remote   Client
	resolver *Resolver
	bus      notify.Bus
	config   *Config
	logger   *log.Logger
	origin   string

	mu        sync.Mutex
	queue     map[string]struct{}
	online    bool
	syncing   bool
	lastSync  time.Time
	conflicts int
	errs      []string
	subs      map[int]func(Status)
	nextSub   int

	// kick coalesces concurrent pass requests.
	kick chan struct{}

	// passMu serializes passes so ForceSync never interleaves with a
	// ticker-driven pass.
	passMu sync.Mutex
}

// NewOrigin derives an origin id for one execution context on the given
// device. Each engine instance gets its own so cross-context notifications
// can filter out self-produced changes.
func NewOrigin(deviceID string) string {
	return deviceID + "/" + uuid.NewString()[:8]
}

// New creates a sync engine over the given collaborators. The bus may be
// nil when cross-context notifications are not wired.
func New(st *store.Store, client Client, resolver *Resolver, bus notify.Bus, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if resolver == nil {
		resolver = NewResolver()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 15 * time.Second
	}
	if config.ErrorHistory <= 0 {
		config.ErrorHistory = 8
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	origin := config.Origin
	if origin == "" {
		deviceID, err := st.DeviceID(context.Background())
		if err != nil {
			return nil, fmt.Errorf("failed to derive origin: %w", err)
		}
		origin = NewOrigin(deviceID)
	}

	return &Engine{
		store:    st,
		remote:   client,
		resolver: resolver,
		bus:      bus,
		config:   config,
		logger:   config.Logger,
		origin:   origin,
		queue:    make(map[string]struct{}),
		online:   config.StartOnline,
		subs:     make(map[int]func(Status)),
		kick:     make(chan struct{}, 1),
	}, nil
}

// Origin returns this engine's origin id.
func (e *Engine) Origin() string {
	return e.origin
}

// Run drives background synchronization until ctx is cancelled: the
// recurring ticker, coalesced pass requests, and cross-context change
// notifications all land here.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Printf("Sync engine starting (origin=%s, interval=%v)", e.origin, e.config.SyncInterval)

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	var events <-chan notify.Change
	if e.bus != nil {
		events = e.bus.Events()
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Printf("Sync engine stopping (origin=%s)", e.origin)
			return nil

		case <-ticker.C:
			e.maybeSync(ctx)

		case <-e.kick:
			e.maybeSync(ctx)

		case c, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.logger.Printf("Cross-context change: %s v%d from %s", c.RecordID, c.Version, c.Origin)
			e.enqueue(c.RecordID)
			e.requestSync()
		}
	}
}

// Store writes a prediction payload through the local cache and queues it
// for replication. It returns once the local write is durable and never
// waits on the network.
func (e *Engine) Store(ctx context.Context, id string, payload json.RawMessage) (*record.Record, error) {
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}

	buf := make(json.RawMessage, len(payload))
	copy(buf, payload)

	rec := record.New(id, buf, e.origin, time.Now().UTC())
	cur, err := e.store.Get(ctx, id)
	switch {
	case err == nil:
		rec.Meta.CreatedAt = cur.Meta.CreatedAt
		rec.Meta.Version = cur.Meta.Version + 1
	case errors.Is(err, store.ErrNotFound):
		// first write for this id
	default:
		return nil, err
	}

	if err := e.store.Put(ctx, rec); err != nil {
		var conflict *store.ConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}
		// Another writer advanced the record between our read and our
		// write; collapse both to a winner.
		winner, rerr := e.resolve(ctx, rec, conflict.Existing)
		if rerr != nil {
			return nil, rerr
		}
		rec = winner
	} else {
		e.publish(rec)
	}

	e.enqueue(id)
	e.requestSync()
	return rec, nil
}

// Get returns the local record for id. On a local miss (including a
// corrupt, checksum-failing copy) while online, it falls back to a
// synchronous remote fetch, seeds the cache with the result, and returns
// it; otherwise ErrNotFound.
func (e *Engine) Get(ctx context.Context, id string) (*record.Record, error) {
	rec, err := e.store.Get(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if !e.Online() {
		return nil, ErrNotFound
	}

	rrec, ferr := e.remote.Fetch(ctx, id)
	if ferr != nil {
		if !errors.Is(ferr, remote.ErrNotFound) {
			e.recordError(ferr.Error())
		}
		return nil, ErrNotFound
	}

	if err := e.store.Put(ctx, rrec); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			// A local write landed while we fetched; it wins the race.
			return conflict.Existing, nil
		}
		return nil, err
	}
	e.publish(rrec)
	return rrec, nil
}

// ForceSync fails fast when offline; otherwise it queues every stored
// record and runs a pass immediately, returning after that pass completes.
// If a background pass is already in flight, ForceSync runs right after it
// finishes rather than interleaving.
func (e *Engine) ForceSync(ctx context.Context) error {
	if !e.Online() {
		return ErrOffline
	}

	ids, err := e.store.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate records: %w", err)
	}
	e.enqueue(ids...)

	return e.runPass(ctx)
}

// Register installs a per-id conflict resolution function.
func (e *Engine) Register(id string, fn ResolverFunc) {
	e.resolver.Register(id, fn)
}

// Subscribe delivers status snapshots whenever they change materially:
// after each sync pass and on connectivity transitions. The returned
// function cancels the subscription.
func (e *Engine) Subscribe(fn func(Status)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Status returns the current snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// Online reports current connectivity.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline records a connectivity transition. Regaining connectivity
// requests a pass so the queue drains without waiting for the ticker.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	if was == online {
		return
	}
	e.logger.Printf("Connectivity changed: online=%v", online)
	e.notifySubs()
	if online {
		e.requestSync()
	}
}

// Wake requests a pass, e.g. when the host regains foreground visibility.
func (e *Engine) Wake() {
	e.requestSync()
}

// requestSync is the single idempotent pass trigger; concurrent requests
// coalesce into one buffered token.
func (e *Engine) requestSync() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) maybeSync(ctx context.Context) {
	e.mu.Lock()
	ready := e.online && len(e.queue) > 0 && !e.syncing
	e.mu.Unlock()
	if !ready {
		return
	}
	if err := e.runPass(ctx); err != nil {
		e.logger.Printf("Sync pass failed: %v", err)
	}
}

// runPass processes the ids queued at pass start, so a pass never grows
// unboundedly. The snapshot leaves the queue immediately: failures re-enter
// it below, and a write landing mid-pass re-enqueues its id itself, which
// keeps a version stored while its predecessor is uploading queued for the
// next pass instead of being dequeued with it. There is no mid-pass
// cancellation; the pass runs to completion over its snapshot.
func (e *Engine) runPass(ctx context.Context) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.mu.Lock()
	snapshot := make([]string, 0, len(e.queue))
	for id := range e.queue {
		snapshot = append(snapshot, id)
		delete(e.queue, id)
	}
	e.syncing = true
	e.mu.Unlock()

	var firstErr error
	for _, id := range snapshot {
		done, err := e.syncOne(ctx, id)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if !done {
			e.enqueue(id)
		}
	}

	e.mu.Lock()
	e.syncing = false
	e.lastSync = time.Now()
	e.mu.Unlock()
	e.notifySubs()

	return firstErr
}

// syncOne reconciles a single queued id with the remote store. done
// reports whether the id can leave the queue. err is reserved for local
// store failures; remote failures are recorded and retried on the next
// pass.
func (e *Engine) syncOne(ctx context.Context, id string) (done bool, err error) {
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// Absent, or corrupt and dropped on read: nothing to upload.
		// Re-seed from the remote copy when we can.
		if rrec, ferr := e.remote.Fetch(ctx, id); ferr == nil {
			if perr := e.store.Put(ctx, rrec); perr == nil {
				e.publish(rrec)
			}
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if rec.State == record.StateSynced {
		return true, nil
	}

	uerr := e.remote.Upload(ctx, rec)
	if uerr == nil {
		return true, e.store.MarkSynced(ctx, id, rec.Meta.Version)
	}

	var conflict *remote.ConflictError
	if !errors.As(uerr, &conflict) {
		e.recordError(uerr.Error())
		return false, nil
	}

	winner, rerr := e.resolve(ctx, rec, conflict.Remote)
	if rerr != nil {
		return false, rerr
	}

	// The winning version differs from what was attempted; push it now
	// rather than waiting a full interval.
	if uerr := e.remote.Upload(ctx, winner); uerr != nil {
		e.recordError(uerr.Error())
		return false, nil
	}
	return true, e.store.MarkSynced(ctx, id, winner.Meta.Version)
}

// resolve collapses two disagreeing versions, persists the winner, and
// accounts for the conflict in status. Resolution never raises an
// unrecoverable error; only persisting the winner can fail.
func (e *Engine) resolve(ctx context.Context, local, other *record.Record) (*record.Record, error) {
	winner, defaulted := e.resolver.Resolve(local, other)

	e.mu.Lock()
	e.conflicts++
	e.mu.Unlock()

	if defaulted {
		e.logger.Printf("Resolved conflict on %s by last-modified-wins: v%d + v%d -> v%d",
			local.ID, local.Meta.Version, other.Meta.Version, winner.Meta.Version)
	} else {
		e.logger.Printf("Resolved conflict on %s by registered resolver -> v%d",
			local.ID, winner.Meta.Version)
	}

	if err := e.store.ForcePut(ctx, winner); err != nil {
		return nil, fmt.Errorf("failed to persist resolution for %s: %w", local.ID, err)
	}
	e.publish(winner)
	return winner, nil
}

func (e *Engine) enqueue(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.queue[id] = struct{}{}
	}
}

func (e *Engine) publish(rec *record.Record) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(notify.Change{
		RecordID: rec.ID,
		Origin:   e.origin,
		Version:  rec.Meta.Version,
		At:       time.Now(),
	})
}

func (e *Engine) recordError(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, reason)
	if len(e.errs) > e.config.ErrorHistory {
		e.errs = e.errs[len(e.errs)-e.config.ErrorHistory:]
	}
}

func (e *Engine) statusLocked() Status {
	errs := make([]string, len(e.errs))
	copy(errs, e.errs)
	return Status{
		Online:    e.online,
		LastSync:  e.lastSync,
		Pending:   len(e.queue),
		Conflicts: e.conflicts,
		Errors:    errs,
	}
}

func (e *Engine) notifySubs() {
	e.mu.Lock()
	st := e.statusLocked()
	fns := make([]func(Status), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
