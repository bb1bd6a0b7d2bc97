package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hasparus/gist-mom/pkg/config"
	"github.com/hasparus/gist-mom/pkg/gist"
	"github.com/hasparus/gist-mom/pkg/room"
	"github.com/hasparus/gist-mom/pkg/server"
	"github.com/hasparus/gist-mom/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		return err
	}
	level.Set(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening store", "driver", cfg.Store.Driver)
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer st.Close()

	rooms := room.NewRegistry(st, room.Options{
		FlushInterval: cfg.Room.FlushInterval,
		IdleTimeout:   cfg.Room.IdleTimeout,
		SendBuffer:    cfg.Room.SendBuffer,
	})
	gists := gist.NewClient(cfg.GitHub.APIURL, cfg.GitHub.UserAgent)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.New(rooms, gists).Handler()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rooms.Run(gctx)
	})
	if cfg.Path != "" {
		g.Go(func() error {
			if err := config.Watch(gctx, cfg.Path, func(next *config.Config) {
				level.Set(next.LogLevel)
			}); err != nil {
				slog.Warn("config reload disabled", "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
		signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(exit)
		select {
		case sig := <-exit:
			slog.Info("Signal caught", "sig", sig)
		case <-gctx.Done():
		}
		cancel()
		_ = httpServer.Close()
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := rooms.Close(shutdownCtx); err != nil {
		slog.Error("failed to flush rooms", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	slog.Info("stopped")
	return runErr
}
