package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/df-mc/chunkd/server"
	"github.com/df-mc/chunkd/server/console"
)

func main() {
	var (
		cfgPath string
		debug   bool
	)
	flag.StringVar(&cfgPath, "config", "config.toml", "path to the configuration file (.toml, .yaml or .yml)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	uc, err := server.LoadUserConfig(cfgPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	conf, err := uc.Config(log)
	if err != nil {
		log.Error("create config", "error", err)
		os.Exit(1)
	}

	srv := conf.New()
	log.Info("Server started.", "provider", uc.World.Provider, "folder", uc.World.Folder, "pinned", len(srv.Pinned()))
	if uc.Server.QueryAddress != "" {
		if _, err := srv.ListenQuery(uc.Server.QueryAddress); err != nil {
			log.Error("start query listener", "error", err)
		}
	}

	ctx, cancel := signalContext(log)
	defer cancel()
	go console.New(srv, log).Run(ctx)

	<-ctx.Done()
	if err := srv.Close(); err != nil {
		log.Error("close server", "error", err)
		os.Exit(1)
	}
}

func signalContext(log *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			return
		}
		// Saving every resident column may take a while, but never forever.
		time.AfterFunc(time.Minute, func() {
			log.Error("forced shutdown after timeout")
			os.Exit(1)
		})
	}()
	return ctx, cancel
}
