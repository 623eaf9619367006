package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realmsync/config"
	"realmsync/journal"
	"realmsync/persist"
	"realmsync/relay"
	"realmsync/server"
	"realmsync/world"
)

// realmsync: authoritative world server over WebSocket.
func main() {
	var configPath, addr, webDir string
	flag.StringVar(&configPath, "config", "", "path to YAML config; defaults are used when empty")
	flag.StringVar(&addr, "addr", "", "listen address, overrides the config, e.g. :8080")
	flag.StringVar(&webDir, "web", "web", "directory of static client files served at /")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := server.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	def, err := world.LoadMap(cfg.Map.Path)
	if err != nil {
		log.Fatalw("load map", "path", cfg.Map.Path, "error", err)
	}
	grid := world.NewGrid(def)
	log.Infow("map loaded", "path", cfg.Map.Path, "width", grid.Width(), "height", grid.Height(), "blocked", grid.BlockedCells())

	opts := server.Options{
		Grid:         grid,
		Interval:     cfg.Tick.Interval(),
		Heartbeat:    cfg.Tick.Heartbeat(),
		MaxDelta:     cfg.Tick.MaxDelta(),
		DefaultSpeed: cfg.Movement.DefaultSpeed,
		MaxSpeed:     cfg.Movement.MaxSpeed,
	}
	auth := server.AuthOptions{
		AllowAnonymous:   cfg.Auth.AllowAnonymous,
		DevQueryIdentity: cfg.Auth.DevQueryIdentity,
	}

	// closed in reverse order on shutdown
	var closers []func() error

	if cfg.Storage.SQLitePath != "" {
		db, err := persist.Open(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalw("open database", "path", cfg.Storage.SQLitePath, "error", err)
		}
		profiles := persist.NewProfiles(db, log)
		opts.Profiles = profiles
		auth.Tokens = persist.NewSessions(db)
		closers = append(closers, db.Close, profiles.Close)
		log.Infow("persistence enabled", "path", cfg.Storage.SQLitePath)
	}

	if cfg.Journal.Dir != "" {
		j := journal.NewWriter(cfg.Journal.Dir, cfg.Journal.Prefix)
		opts.Recorder = j
		closers = append(closers, j.Close)
		log.Infow("journal enabled", "dir", cfg.Journal.Dir)
	}

	if cfg.Relay.Enabled {
		rl, err := relay.New(
			relay.WithHost(cfg.Relay.Host),
			relay.WithPort(cfg.Relay.Port),
			relay.WithPrefix(cfg.Relay.Subject),
		)
		if err != nil {
			log.Fatalw("create relay", "error", err)
		}
		if err := rl.Start(); err != nil {
			log.Fatalw("start relay", "error", err)
		}
		opts.Publisher = rl
		closers = append(closers, rl.Close)
		log.Infow("relay enabled", "addr", rl.Addr(), "subject", cfg.Relay.Subject)
	}

	room, err := server.NewRoom(opts, log)
	if err != nil {
		log.Fatalw("create room", "error", err)
	}
	room.Start()

	if fi, err := os.Stat(webDir); err != nil || !fi.IsDir() {
		webDir = ""
	}
	ws := server.NewWSHandler(room, auth, log)
	srv := &http.Server{Addr: cfg.Addr, Handler: server.NewMux(room, ws, cfg, webDir, log)}

	go func() {
		log.Infof("realmsync listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	room.Close()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warnw("close", "error", err)
		}
	}
}
