package notify

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pitchcall/pitchcall/internal/store"
)

// WatcherConfig configures the store-backed bus.
type WatcherConfig struct {
	// Origin is this context's origin id; oplog rows it wrote itself are
	// filtered out.
	Origin string

	// PollInterval is how often the oplog is checked even without
	// filesystem activity (default: 500ms).
	PollInterval time.Duration

	// Logger for watcher activity.
	Logger *log.Logger
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() *WatcherConfig {
	return &WatcherConfig{
		PollInterval: 500 * time.Millisecond,
		Logger:       log.New(os.Stderr, "[notify] ", log.LstdFlags),
	}
}

// StoreWatcher delivers oplog entries written by other processes sharing
// the record store.
//
// It remembers the newest sequence number seen at start and polls forward
// from there, so only future mutations are delivered. A filesystem watch on
// the database directory wakes the poll early when another process writes,
// keeping latency well under the poll interval in the common case.
type StoreWatcher struct {
	store   *store.Store
	config  *WatcherConfig
	watcher *fsnotify.Watcher

	events   chan Change
	done     chan struct{}
	wg       sync.WaitGroup
	lastSeen int64

	mu      sync.Mutex
	running bool
}

// NewStoreWatcher creates a watcher over the given store. Start must be
// called before events are delivered.
func NewStoreWatcher(st *store.Store, config *WatcherConfig) (*StoreWatcher, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultWatcherConfig()
	}
	if config.Origin == "" {
		return nil, fmt.Errorf("origin cannot be empty")
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &StoreWatcher{
		store:   st,
		config:  config,
		watcher: watcher,
		events:  make(chan Change, 64),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. It records the current oplog position and watches
// the database directory for write activity.
func (w *StoreWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	seq, err := w.store.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to read oplog position: %w", err)
	}
	w.lastSeen = seq

	dir := filepath.Dir(w.store.Path())
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch store directory %s: %w", dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.loop()

	return nil
}

// Publish is a no-op: the oplog row appended by the store already makes the
// mutation visible to every other process.
func (w *StoreWatcher) Publish(Change) {}

// Events returns the channel of mutations made by other processes.
func (w *StoreWatcher) Events() <-chan Change {
	return w.events
}

// Close stops the watcher and closes the events channel.
func (w *StoreWatcher) Close() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close fsnotify watcher: %w", err)
	}
	w.wg.Wait()
	close(w.events)
	return nil
}

// loop polls the oplog on a ticker and on filesystem activity.
func (w *StoreWatcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return

		case <-ticker.C:
			w.poll()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// SQLite writes land in the db, -wal, or -shm files.
			if !w.isStoreFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.poll()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// poll reads oplog entries past the last seen position and emits the ones
// written by other origins.
func (w *StoreWatcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	changes, err := w.store.ChangesSince(ctx, w.lastSeen)
	if err != nil {
		w.config.Logger.Printf("Failed to read oplog: %v", err)
		return
	}

	for _, c := range changes {
		w.lastSeen = c.Seq
		if c.Origin == w.config.Origin {
			continue
		}
		change := Change{
			RecordID: c.RecordID,
			Origin:   c.Origin,
			Version:  c.Version,
			Seq:      c.Seq,
			At:       c.At,
		}
		select {
		case w.events <- change:
		case <-w.done:
			return
		}
	}
}

func (w *StoreWatcher) isStoreFile(path string) bool {
	base := filepath.Base(w.store.Path())
	name := filepath.Base(path)
	return name == base || strings.HasPrefix(name, base+"-")
}
