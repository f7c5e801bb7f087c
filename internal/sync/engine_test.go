package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/pitchcall/pitchcall/internal/notify"
	"github.com/pitchcall/pitchcall/internal/record"
	"github.com/pitchcall/pitchcall/internal/remote"
	"github.com/pitchcall/pitchcall/internal/store"
)

// fakeRemote is an in-memory stand-in for the remote prediction store. It
// accepts uploads that advance the stored version and answers version
// collisions with a ConflictError carrying its current copy, like the real
// service does.
type fakeRemote struct {
	mu      gosync.Mutex
	records map[string]*record.Record
	failErr error
	uploads int
	fetches int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{records: make(map[string]*record.Record)}
}

func (f *fakeRemote) Fetch(ctx context.Context, id string) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	rec, ok := f.records[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	cp := rec.Clone()
	cp.State = record.StateSynced
	cp.Meta.Class = record.ClassCloud
	return cp, nil
}

func (f *fakeRemote) Upload(ctx context.Context, rec *record.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.failErr != nil {
		return f.failErr
	}
	existing, ok := f.records[rec.ID]
	if ok && rec.Meta.Version <= existing.Meta.Version {
		if rec.Meta.Version == existing.Meta.Version && rec.Meta.Checksum == existing.Meta.Checksum {
			return nil
		}
		return &remote.ConflictError{Remote: existing.Clone()}
	}
	f.records[rec.ID] = rec.Clone()
	return nil
}

func (f *fakeRemote) setFail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeRemote) seed(rec *record.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.ID] = rec.Clone()
}

func (f *fakeRemote) get(id string) *record.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		return rec.Clone()
	}
	return nil
}

// corruptStoredPayload damages a record on disk through a second
// connection, the way another process scribbling over the shared database
// would, leaving its checksum stale.
func corruptStoredPayload(t *testing.T, st *store.Store, id string, payload []byte) {
	t.Helper()
	conn, err := sql.Open("sqlite3", "file:"+st.Path())
	if err != nil {
		t.Fatalf("failed to open corruption connection: %v", err)
	}
	defer conn.Close()

	res, err := conn.Exec(`UPDATE records SET payload = ? WHERE id = ?`, payload, id)
	if err != nil {
		t.Fatalf("failed to corrupt record %s: %v", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		t.Fatalf("no record %s to corrupt", id)
	}
}

func setupEngine(t *testing.T, client Client, bus notify.Bus, online bool) (*Engine, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "predictions.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	eng, err := New(st, client, NewResolver(), bus, &Config{
		StartOnline: online,
		Logger:      log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return eng, st
}

func predictionPayload(outcome string) json.RawMessage {
	return json.RawMessage(`{"match_id":"m42","outcome":"` + outcome + `","confidence":0.5}`)
}

func TestStoreAndGetOffline(t *testing.T) {
	eng, _ := setupEngine(t, newFakeRemote(), nil, false)
	ctx := context.Background()

	rec, err := eng.Store(ctx, "m42", predictionPayload("home"))
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if rec.Meta.Version != 1 || rec.State != record.StatePending {
		t.Errorf("first write: version=%d state=%v, want 1/pending", rec.Meta.Version, rec.State)
	}

	got, err := eng.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != string(predictionPayload("home")) {
		t.Errorf("payload mismatch: %s", got.Payload)
	}

	// A second write advances the version and keeps the creation time.
	created := rec.Meta.CreatedAt
	rec2, err := eng.Store(ctx, "m42", predictionPayload("draw"))
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if rec2.Meta.Version != 2 {
		t.Errorf("second write version = %d, want 2", rec2.Meta.Version)
	}
	if !rec2.Meta.CreatedAt.Equal(created) {
		t.Error("second write should keep the original creation time")
	}
}

func TestStoreRejectsBadInput(t *testing.T) {
	eng, _ := setupEngine(t, newFakeRemote(), nil, false)
	ctx := context.Background()

	if _, err := eng.Store(ctx, "", predictionPayload("home")); err == nil {
		t.Error("empty id should be rejected")
	}
	if _, err := eng.Store(ctx, "m1", json.RawMessage(`{broken`)); err == nil {
		t.Error("invalid JSON payload should be rejected")
	}
}

func TestGetMissOffline(t *testing.T) {
	rem := newFakeRemote()
	rem.seed(record.New("m9", predictionPayload("away"), "server", time.Now().UTC()))
	eng, _ := setupEngine(t, rem, nil, false)

	if _, err := eng.Get(context.Background(), "m9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("offline miss: err = %v, want ErrNotFound", err)
	}
	if rem.fetches != 0 {
		t.Error("offline engine must not touch the remote store")
	}
}

func TestGetRemoteFallbackSeedsCache(t *testing.T) {
	rem := newFakeRemote()
	rem.seed(record.New("m9", predictionPayload("away"), "server", time.Now().UTC()))
	eng, st := setupEngine(t, rem, nil, true)
	ctx := context.Background()

	got, err := eng.Get(ctx, "m9")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != record.StateSynced || got.Meta.Class != record.ClassCloud {
		t.Errorf("fetched record state=%v class=%q, want synced/cloud", got.State, got.Meta.Class)
	}

	// The cache now answers without the network.
	eng.SetOnline(false)
	cached, err := eng.Get(ctx, "m9")
	if err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if string(cached.Payload) != string(got.Payload) {
		t.Error("cache should hold the fetched copy")
	}

	if _, err := st.Get(ctx, "m9"); err != nil {
		t.Errorf("store should be seeded: %v", err)
	}
}

func TestForceSyncOffline(t *testing.T) {
	eng, _ := setupEngine(t, newFakeRemote(), nil, false)

	if err := eng.ForceSync(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("err = %v, want ErrOffline", err)
	}
}

func TestOfflineWritesDrainWhenOnline(t *testing.T) {
	rem := newFakeRemote()
	eng, st := setupEngine(t, rem, nil, false)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		payload := json.RawMessage(`{"match_id":"` + id + `","outcome":"home","confidence":0.5}`)
		if _, err := eng.Store(ctx, id, payload); err != nil {
			t.Fatalf("Store %s: %v", id, err)
		}
	}
	if got := eng.Status().Pending; got != 5 {
		t.Fatalf("Pending = %d, want 5 while offline", got)
	}
	if rem.uploads != 0 {
		t.Fatal("no uploads may happen while offline")
	}

	eng.SetOnline(true)
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	if got := eng.Status().Pending; got != 0 {
		t.Errorf("Pending = %d after drain, want 0", got)
	}
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		if rem.get(id) == nil {
			t.Errorf("record %s never reached the remote store", id)
		}
		rec, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get %s: %v", id, err)
		}
		if rec.State != record.StateSynced {
			t.Errorf("record %s state = %v, want synced", id, rec.State)
		}
	}
}

func TestUploadConflictResolvedAndReplicated(t *testing.T) {
	rem := newFakeRemote()
	// The server already holds a later edit from another device.
	server := record.New("m42", predictionPayload("draw"), "dev-b", time.Now().UTC().Add(time.Hour))
	rem.seed(server)

	eng, st := setupEngine(t, rem, nil, true)
	ctx := context.Background()

	if _, err := eng.Store(ctx, "m42", predictionPayload("home")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	// The later remote edit wins; the winner is a new version replicated
	// both locally and remotely.
	local, err := st.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p, err := record.ParsePrediction(local.Payload)
	if err != nil {
		t.Fatalf("winner payload: %v", err)
	}
	if p.Outcome != record.OutcomeDraw {
		t.Errorf("winner outcome = %q, want draw", p.Outcome)
	}
	if local.Meta.Version != 2 {
		t.Errorf("winner version = %d, want 2", local.Meta.Version)
	}
	if local.State != record.StateSynced {
		t.Errorf("winner state = %v, want synced", local.State)
	}

	remoteCopy := rem.get("m42")
	if remoteCopy == nil || remoteCopy.Meta.Version != 2 {
		t.Errorf("remote copy = %+v, want version 2", remoteCopy)
	}
	if got := eng.Status().Conflicts; got != 1 {
		t.Errorf("Conflicts = %d, want 1", got)
	}
}

func TestRegisteredResolverDecides(t *testing.T) {
	rem := newFakeRemote()
	rem.seed(record.New("m42", predictionPayload("draw"), "dev-b", time.Now().UTC().Add(time.Hour)))

	eng, st := setupEngine(t, rem, nil, true)
	// Keep the local edit no matter what the timestamps say.
	eng.Register("m42", func(local, other *record.Record) *record.Record {
		return local
	})
	ctx := context.Background()

	if _, err := eng.Store(ctx, "m42", predictionPayload("home")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	local, err := st.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	p, _ := record.ParsePrediction(local.Payload)
	if p.Outcome != record.OutcomeHome {
		t.Errorf("winner outcome = %q, want home from registered resolver", p.Outcome)
	}
}

func TestTransientUploadFailureStaysQueued(t *testing.T) {
	rem := newFakeRemote()
	rem.setFail(errors.New("gateway timeout"))
	eng, _ := setupEngine(t, rem, nil, true)
	ctx := context.Background()

	if _, err := eng.Store(ctx, "m1", predictionPayload("home")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync with failing remote: %v", err)
	}

	status := eng.Status()
	if status.Pending != 1 {
		t.Errorf("Pending = %d, want 1 after failed upload", status.Pending)
	}
	if len(status.Errors) == 0 {
		t.Error("failed upload should be recorded in status errors")
	}

	// The next pass retries and succeeds.
	rem.setFail(nil)
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("retry ForceSync: %v", err)
	}
	if got := eng.Status().Pending; got != 0 {
		t.Errorf("Pending = %d after retry, want 0", got)
	}
}

func TestCorruptLocalCopyRecoversFromRemote(t *testing.T) {
	rem := newFakeRemote()
	eng, st := setupEngine(t, rem, nil, true)
	ctx := context.Background()

	if _, err := eng.Store(ctx, "m1", predictionPayload("home")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	corruptStoredPayload(t, st, "m1", []byte(`{"garbage":true}`))

	got, err := eng.Get(ctx, "m1")
	if err != nil {
		t.Fatalf("Get after corruption: %v", err)
	}
	if string(got.Payload) != string(predictionPayload("home")) {
		t.Errorf("recovered payload = %s, want the remote copy", got.Payload)
	}
	if !got.VerifyChecksum() {
		t.Error("recovered record must pass checksum verification")
	}
}

func TestSubscribeAndCancel(t *testing.T) {
	eng, _ := setupEngine(t, newFakeRemote(), nil, true)
	ctx := context.Background()

	var mu gosync.Mutex
	var snapshots []Status
	cancel := eng.Subscribe(func(st Status) {
		mu.Lock()
		snapshots = append(snapshots, st)
		mu.Unlock()
	})

	if _, err := eng.Store(ctx, "m1", predictionPayload("home")); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := eng.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	mu.Lock()
	afterPass := len(snapshots)
	mu.Unlock()
	if afterPass == 0 {
		t.Fatal("subscriber should be notified after a sync pass")
	}

	eng.SetOnline(false)
	mu.Lock()
	afterOffline := len(snapshots)
	last := snapshots[len(snapshots)-1]
	mu.Unlock()
	if afterOffline <= afterPass {
		t.Error("subscriber should be notified on connectivity change")
	}
	if last.Online {
		t.Error("last snapshot should report offline")
	}

	cancel()
	eng.SetOnline(true)
	mu.Lock()
	afterCancel := len(snapshots)
	mu.Unlock()
	if afterCancel != afterOffline {
		t.Error("cancelled subscriber must not receive further snapshots")
	}
}

func TestCrossContextNotificationTriggersSync(t *testing.T) {
	rem := newFakeRemote()
	hub := notify.NewMemoryHub()

	st, err := store.Open(filepath.Join(t.TempDir(), "predictions.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	busA := hub.Bus("ctx-a")
	busB := hub.Bus("ctx-b")
	defer busA.Close()
	defer busB.Close()

	engA, err := New(st, rem, NewResolver(), busA, &Config{
		Origin: "ctx-a", StartOnline: false, Logger: quiet,
	})
	if err != nil {
		t.Fatalf("engine A: %v", err)
	}
	engB, err := New(st, rem, NewResolver(), busB, &Config{
		Origin: "ctx-b", StartOnline: true, Logger: quiet,
		SyncInterval: time.Hour, // only notifications may trigger the pass
	})
	if err != nil {
		t.Fatalf("engine B: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engB.Run(ctx)

	// A writes while offline; B hears about it over the bus and uploads.
	if _, err := engA.Store(ctx, "m42", predictionPayload("home")); err != nil {
		t.Fatalf("Store: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for rem.get("m42") == nil {
		select {
		case <-deadline:
			t.Fatal("record never reached the remote store via cross-context sync")
		case <-time.After(20 * time.Millisecond):
		}
	}

	rec, err := st.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != record.StateSynced {
		t.Errorf("record state = %v, want synced after B's pass", rec.State)
	}
}

// gatedRemote parks every upload until released, opening a window for
// writes that land while a pass is on the network.
type gatedRemote struct {
	*fakeRemote
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) Upload(ctx context.Context, rec *record.Record) error {
	g.entered <- struct{}{}
	<-g.release
	return g.fakeRemote.Upload(ctx, rec)
}

func TestWriteDuringUploadStaysQueued(t *testing.T) {
	gate := &gatedRemote{
		fakeRemote: newFakeRemote(),
		entered:    make(chan struct{}, 2),
		release:    make(chan struct{}),
	}
	eng, st := setupEngine(t, gate, nil, true)
	ctx := context.Background()

	if _, err := eng.Store(ctx, "m42", predictionPayload("home")); err != nil {
		t.Fatalf("Store v1: %v", err)
	}

	passErr := make(chan error, 1)
	go func() { passErr <- eng.ForceSync(ctx) }()

	// Wait until v1 is on the wire, then write v2 over it.
	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}
	if _, err := eng.Store(ctx, "m42", predictionPayload("draw")); err != nil {
		t.Fatalf("Store v2: %v", err)
	}
	close(gate.release)

	if err := <-passErr; err != nil {
		t.Fatalf("ForceSync: %v", err)
	}

	// The pass confirmed v1 only; v2 must still be queued and pending.
	rec, err := st.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Meta.Version != 2 || rec.State != record.StatePending {
		t.Fatalf("after pass: version=%d state=%v, want 2/pending", rec.Meta.Version, rec.State)
	}
	if got := eng.Status().Pending; got != 1 {
		t.Fatalf("Pending = %d after pass, want the overwritten id still queued", got)
	}

	// The next regular pass replicates v2 without any new trigger.
	eng.maybeSync(ctx)
	if rc := gate.get("m42"); rc == nil || rc.Meta.Version != 2 {
		t.Errorf("remote copy = %+v, want version 2", rc)
	}
	rec, err = st.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("Get after second pass: %v", err)
	}
	if rec.State != record.StateSynced {
		t.Errorf("record state = %v after second pass, want synced", rec.State)
	}
	if got := eng.Status().Pending; got != 0 {
		t.Errorf("Pending = %d after second pass, want 0", got)
	}
}

func TestTwoEnginesSharingOneStoreConverge(t *testing.T) {
	rem := newFakeRemote()

	st, err := store.Open(filepath.Join(t.TempDir(), "predictions.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	quiet := log.New(io.Discard, "", 0)
	engA, err := New(st, rem, NewResolver(), nil, &Config{Origin: "ctx-a", StartOnline: true, Logger: quiet})
	if err != nil {
		t.Fatalf("engine A: %v", err)
	}
	engB, err := New(st, rem, NewResolver(), nil, &Config{Origin: "ctx-b", StartOnline: true, Logger: quiet})
	if err != nil {
		t.Fatalf("engine B: %v", err)
	}

	ctx := context.Background()
	if _, err := engA.Store(ctx, "m42", predictionPayload("home")); err != nil {
		t.Fatalf("A Store: %v", err)
	}
	// B's later edit lands on top of A's through the shared store.
	recB, err := engB.Store(ctx, "m42", predictionPayload("draw"))
	if err != nil {
		t.Fatalf("B Store: %v", err)
	}
	if recB.Meta.Version != 2 {
		t.Errorf("B's write version = %d, want 2", recB.Meta.Version)
	}

	// Both contexts read the same converged record.
	fromA, err := engA.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("A Get: %v", err)
	}
	fromB, err := engB.Get(ctx, "m42")
	if err != nil {
		t.Fatalf("B Get: %v", err)
	}
	if string(fromA.Payload) != string(fromB.Payload) || fromA.Meta.Version != fromB.Meta.Version {
		t.Error("contexts diverged over the shared store")
	}
	p, _ := record.ParsePrediction(fromA.Payload)
	if p.Outcome != record.OutcomeDraw {
		t.Errorf("converged outcome = %q, want the later edit (draw)", p.Outcome)
	}

	// Either engine's pass replicates the converged version.
	if err := engA.ForceSync(ctx); err != nil {
		t.Fatalf("ForceSync: %v", err)
	}
	if rc := rem.get("m42"); rc == nil || rc.Meta.Version != 2 {
		t.Errorf("remote copy = %+v, want version 2", rc)
	}
}

func TestOriginDerivedFromDevice(t *testing.T) {
	eng, st := setupEngine(t, newFakeRemote(), nil, false)

	deviceID, err := st.DeviceID(context.Background())
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	origin := eng.Origin()
	if origin == "" || origin == deviceID {
		t.Errorf("origin %q should extend the device id %q", origin, deviceID)
	}
	if origin[:len(deviceID)] != deviceID {
		t.Errorf("origin %q should be prefixed by the device id", origin)
	}
}
