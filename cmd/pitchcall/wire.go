package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pitchcall/pitchcall/internal/config"
	"github.com/pitchcall/pitchcall/internal/notify"
	"github.com/pitchcall/pitchcall/internal/remote"
	"github.com/pitchcall/pitchcall/internal/store"
	enginesync "github.com/pitchcall/pitchcall/internal/sync"
)

// newLogger builds a prefixed logger, rotating through a file when
// log.file is configured and writing to stderr otherwise.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

// openStore opens the local record database and ensures its schema.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

// deriveOrigin mints a per-process origin from the persisted device id.
// The origin is shared between the engine and the store watcher so the
// engine's own writes are not echoed back to it.
func deriveOrigin(st *store.Store) (string, error) {
	deviceID, err := st.DeviceID(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return enginesync.NewOrigin(deviceID), nil
}

// buildEngine wires the store, remote client, and resolver into a sync
// engine.
func buildEngine(cfg *config.Config, st *store.Store, origin string, bus notify.Bus, startOnline bool) (*enginesync.Engine, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is not configured")
	}

	client, err := remote.New(&remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Logger:  newLogger(cfg, "[remote] "),
	})
	if err != nil {
		return nil, err
	}

	return enginesync.New(st, client, enginesync.NewResolver(), bus, &enginesync.Config{
		SyncInterval: time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		Origin:       origin,
		StartOnline:  startOnline,
		Logger:       newLogger(cfg, "[sync] "),
	})
}
