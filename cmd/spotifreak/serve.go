package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v3"

	logx "spotifreak/pkg/logx"

	"spotifreak/internal/config"
	"spotifreak/internal/content"
	"spotifreak/internal/ipc"
	"spotifreak/internal/modules"
	"spotifreak/internal/registry"
	"spotifreak/internal/scheduler"
	"spotifreak/internal/selection"
	"spotifreak/internal/sharedcache"
	"spotifreak/internal/storage"
	"spotifreak/internal/supervisor"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync daemon",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return serve(ctx, pathsFor(cmd))
		},
	}
}

func serve(ctx context.Context, paths config.Paths) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := config.NewManager(paths)
	snap, err := manager.Load()
	if err != nil {
		return err
	}
	global := snap.Global

	logSvc, log := logx.New(logx.Config{
		Level:   global.Logging.Level,
		Console: global.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: global.Logging.File.Enabled,
			Path:    global.Logging.File.Path,
		},
	})
	defer logSvc.Close()
	manager.SetLogger(log)

	store, err := openStore(paths, global)
	if err != nil {
		return err
	}
	defer store.Close()

	spotify, err := content.NewSpotifyClient(ctx, global.Spotify, global.Runtime.RatePerSec, log)
	if err != nil {
		return err
	}
	var scrobbler content.Scrobbler
	if global.LastFM != nil {
		lastfm, err := content.NewLastFMClient(*global.LastFM, global.Runtime.RatePerSec, log)
		if err != nil {
			return err
		}
		scrobbler = lastfm
	}

	cache := sharedcache.New()
	reg := registry.New()
	deps := modules.Deps{
		Service:   spotify,
		Scrobbler: scrobbler,
		BaseDir:   paths.BaseDir,
		Selector:  selection.New(),
	}
	for _, kind := range modules.Builtins(deps) {
		if err := reg.Register(kind); err != nil {
			return err
		}
	}

	loc, err := global.Runtime.Location()
	if err != nil {
		log.Warn("falling back to UTC", logx.Err(err))
	}
	log.Info("scheduling timezone", logx.String("timezone", loc.String()))

	retry, err := supervisor.RetryFromConfig(global.Runtime.DefaultRetry)
	if err != nil {
		return err
	}
	tick, err := config.ParseDurationOrDefault("runtime.tick", global.Runtime.Tick, supervisor.DefaultTick)
	if err != nil {
		return err
	}

	sup := supervisor.New(supervisor.Options{
		Manager:    manager,
		Registry:   reg,
		Store:      store,
		Cache:      cache,
		Clock:      scheduler.ClockIn(loc),
		Log:        log,
		Workers:    global.Runtime.Workers,
		Tick:       tick,
		Retry:      retry,
		CacheKinds: []string{modules.KindPlaylistCache},
	})
	manager.SetValidator(sup.ValidateSnapshot)

	if err := sup.ValidateSnapshot(ctx, snap); err != nil {
		return err
	}
	if err := sup.Apply(snap); err != nil {
		return err
	}
	warmCache(ctx, snap, store, cache, log)

	socket := global.Supervisor.IPCSocket
	if socket == "" {
		socket = filepath.Join(paths.BaseDir, "spotifreak.sock")
	}
	srv := ipc.NewServer(socket, sup, log)

	errc := make(chan error, 3)
	go func() { errc <- srv.Serve(ctx) }()
	go func() { errc <- sup.Run(ctx) }()
	if global.Supervisor.HotReloadEnabled() {
		go func() { errc <- manager.Watch(ctx) }()
	} else {
		log.Info("config hot reload disabled")
	}

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify unavailable", logx.Err(err))
	}
	log.Info("spotifreak daemon ready",
		logx.String("config", paths.BaseDir),
		logx.Int("syncs", len(snap.Syncs)))

	err = <-errc
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stop()
	// Give the remaining goroutines a moment to observe cancellation.
	drain(errc, 2, 5*time.Second)
	if errors.Is(err, context.Canceled) {
		log.Info("spotifreak daemon stopped")
		return nil
	}
	return err
}

func openStore(paths config.Paths, global *config.GlobalConfig) (storage.Store, error) {
	cfg := storage.Config{
		Driver:       global.Storage.Driver,
		Path:         global.Storage.Path,
		HistoryLimit: global.Runtime.HistoryLimit,
	}
	if cfg.Path == "" {
		if cfg.Driver == "sqlite" || cfg.Driver == "sqlite3" {
			cfg.Path = filepath.Join(paths.StateDir, "spotifreak.db")
		} else {
			cfg.Path = paths.StateDir
		}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", global.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	cfg.BusyTimeout = busy
	return storage.Open(cfg, logx.Nop())
}

// warmCache seeds the shared playlist cache from persisted cache-sync state
// so name lookups work before the first cache run of this process.
func warmCache(ctx context.Context, snap *config.Snapshot, store storage.Store, cache *sharedcache.Cache, log logx.Logger) {
	for _, spec := range snap.Syncs {
		if spec.Type != modules.KindPlaylistCache {
			continue
		}
		blob, err := store.LoadState(ctx, spec.ID)
		if err != nil || blob == nil {
			continue
		}
		if err := cache.Update(spec.ID, blob); err != nil {
			log.Warn("stale cache state ignored", logx.String("sync", spec.ID), logx.Err(err))
		}
	}
	if n := cache.Len(); n > 0 {
		log.Info("shared cache warmed", logx.Int("playlists", n))
	}
}

func drain(errc <-chan error, n int, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for i := 0; i < n; i++ {
		select {
		case <-errc:
		case <-t.C:
			return
		}
	}
}
