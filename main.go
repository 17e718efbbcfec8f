package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"xchat/server/internal/admin"
	"xchat/server/internal/ban"
	"xchat/server/internal/catalog"
	"xchat/server/internal/core"
	"xchat/server/internal/httpapi"

	"github.com/lmittmann/tint"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":3333", "Listen address")
	dbPath := flag.String("db", "chat.db", "SQLite room catalog path")
	adminFile := flag.String("admin-file", "admin.txt", "Admin secret file path")
	bannedFile := flag.String("banned-file", "banned.txt", "Banned address file path")
	useTLS := flag.Bool("tls", false, "Serve wss with a self-signed certificate")
	tlsHostname := flag.String("tls-hostname", "", "Hostname for the self-signed certificate")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
	})))

	if RunCLI(flag.Args(), *dbPath, *adminFile) {
		return
	}

	slog.Info("starting server", "version", Version, "addr", *addr, "db", *dbPath)

	cat, err := catalog.Open(*dbPath)
	if err != nil {
		slog.Error("open room catalog", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := cat.Close(); closeErr != nil {
			slog.Error("close room catalog", "err", closeErr)
		}
	}()

	bans, err := ban.Open(*bannedFile)
	if err != nil {
		slog.Error("load ban store", "err", err)
		os.Exit(1)
	}

	secrets, err := admin.New(*adminFile)
	if err != nil {
		slog.Error("initialize admin secret", "err", err)
		os.Exit(1)
	}

	hub, err := core.NewHub(cat)
	if err != nil {
		slog.Error("initialize hub", "err", err)
		os.Exit(1)
	}

	server := httpapi.New(hub, bans, secrets)

	var tlsConf *tls.Config
	if *useTLS {
		var fingerprint string
		tlsConf, fingerprint, err = generateTLSConfig(365*24*time.Hour, *tlsHostname)
		if err != nil {
			slog.Error("generate TLS certificate", "err", err)
			os.Exit(1)
		}
		slog.Info("serving TLS with self-signed certificate", "sha256", fingerprint)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	go secrets.Run(ctx)
	go hub.RunSweeper(ctx)
	go runStats(ctx, hub, time.Minute)

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr, tlsConf); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// runStats logs routing counters every interval until ctx is canceled.
func runStats(ctx context.Context, hub *core.Hub, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions, routed := hub.Stats()
			if sessions > 0 || routed > 0 {
				slog.Info("stats", "sessions", sessions, "frames_routed", routed)
			}
		}
	}
}
