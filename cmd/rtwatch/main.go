// Command rtwatch serves database row changes to HTTP clients as
// Server-Sent Events.
//
// Every client names a channel and the tables it cares about. Clients of
// the same channel share one physical subscription to the change source,
// which is closed when the last of them disconnects.
//
//	rtwatch -source postgres -postgres-tables events,public.rsvps
//	curl -N 'localhost:8080/events?channel=team-1&table=events'
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erlorenz/rtmux/realtime"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "rtwatch:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, logOutput io.Writer) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	logger, err := newLogger(logOutput, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := openSource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := src.close(); err != nil {
			logger.Error("close source", "error", err)
		}
	}()

	mux := realtime.New(src.provider, realtime.WithLogger(logger))
	srv := &server{mux: mux, memory: src.memory, logger: logger, keepAlive: cfg.KeepAlive}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// Streams end when the process is asked to stop.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "source", cfg.Source, "version", cfg.Version)
		errc <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := mux.Cleanup(); err != nil {
		logger.Error("cleanup channels", "error", err)
	}
	return nil
}
