package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/Tyrowin/chatrelay/internal/chat"
	"github.com/Tyrowin/chatrelay/internal/hub"
	"github.com/Tyrowin/chatrelay/internal/server"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay: %v\n", err)
	}
	os.Exit(code)
}

// run wires the relay together and blocks until a signal or a listener
// failure. Exit code 2 means the configuration was unusable, 1 any other
// failure.
func run() (int, error) {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// A missing .env file is normal outside development.
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		return 2, err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return 1, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		log.Info("closing message store", "driver", cfg.Store.Driver)
		if err := st.Close(); err != nil {
			log.Error("close message store", "err", err)
		}
	}()

	h := hub.New(st,
		hub.WithLogger(log),
		hub.WithHistoryLimit(cfg.HistoryLimit),
		hub.WithLimits(chat.Limits{MaxUser: cfg.MaxUserLength, MaxText: cfg.MaxTextLength}),
	)
	srv := server.New(cfg, h, log)

	if *configPath != "" {
		go watchConfig(ctx, *configPath, srv, log)
	}

	httpServer := server.CreateServer(cfg.Port, srv.Routes())
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.StartServer(httpServer, log)
	}()

	log.Info("chat relay started",
		"addr", cfg.Port,
		"store", cfg.Store.Driver,
		"allowedOrigins", srv.Origins().Origins(),
		"production", cfg.IsProduction())

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	case err := <-errChan:
		if err != nil {
			return 1, fmt.Errorf("http server: %w", err)
		}
		return 0, nil
	}

	var shutdownErr error
	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := srv.Shutdown(shutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if shutdownErr != nil {
		return 1, shutdownErr
	}

	log.Info("chat relay stopped cleanly")
	return 0, nil
}

func watchConfig(ctx context.Context, path string, srv *server.Server, log *slog.Logger) {
	err := server.WatchConfig(ctx, path, log, srv.ApplyConfig)
	if err != nil {
		log.Error("config watcher stopped", "path", path, "err", err)
	}
}
