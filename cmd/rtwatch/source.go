package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"

	"github.com/erlorenz/rtmux/changestream"
	"github.com/erlorenz/rtmux/realtime"
)

// source is the change stream behind the multiplexer.
type source struct {
	provider realtime.Provider
	// memory is set for the memory source only and backs POST /publish.
	memory *changestream.InMemory
	close  func() error
}

func openSource(ctx context.Context, cfg config, logger *slog.Logger) (*source, error) {
	logOpt := changestream.WithLogger(logger)

	switch cfg.Source {
	case "memory":
		mem := changestream.NewInMemory(logOpt)
		return &source{provider: mem, memory: mem, close: mem.Close}, nil

	case "postgres":
		pool, err := newPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		pg := changestream.NewPostgres(pool, logOpt, changestream.WithNotifyChannel(cfg.Postgres.NotifyChannel))
		for _, st := range cfg.triggerTables() {
			if err := pg.InstallTrigger(ctx, st[0], st[1]); err != nil {
				pool.Close()
				return nil, err
			}
			logger.Info("change trigger installed", "schema", st[0], "table", st[1])
		}
		return &source{
			provider: pg,
			close: func() error {
				err := pg.Close()
				pool.Close()
				return err
			},
		}, nil

	case "socket":
		sock, err := changestream.DialSocket(ctx, cfg.Socket.URL,
			logOpt,
			changestream.WithAPIKey(cfg.Socket.APIKey),
			changestream.WithAccessToken(cfg.Socket.AccessToken),
			changestream.WithHeartbeat(cfg.Socket.Heartbeat),
		)
		if err != nil {
			return nil, fmt.Errorf("dial realtime socket: %w", err)
		}
		return &source{provider: sock, close: sock.Close}, nil
	}
	return nil, fmt.Errorf("unknown source %q", cfg.Source)
}

func newPool(ctx context.Context, cfg config, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Postgres.TraceSQL {
		poolCfg.ConnConfig.Tracer = &tracelog.TraceLog{
			Logger:   slogTracer(logger),
			LogLevel: tracelog.LogLevelDebug,
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// slogTracer bridges pgx trace logging to slog.
func slogTracer(logger *slog.Logger) tracelog.Logger {
	return tracelog.LoggerFunc(func(ctx context.Context, level tracelog.LogLevel, msg string, data map[string]any) {
		attrs := make([]slog.Attr, 0, len(data))
		for k, v := range data {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, slogLevel(level), "pgx: "+msg, attrs...)
	})
}

func slogLevel(level tracelog.LogLevel) slog.Level {
	switch level {
	case tracelog.LogLevelTrace, tracelog.LogLevelDebug:
		return slog.LevelDebug
	case tracelog.LogLevelInfo:
		return slog.LevelInfo
	case tracelog.LogLevelWarn:
		return slog.LevelWarn
	}
	return slog.LevelError
}

var errPublishUnsupported = errors.New("publish is only available with the memory source")
