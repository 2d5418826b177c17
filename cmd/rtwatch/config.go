package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/erlorenz/rtmux/cfgx"
)

type config struct {
	Version string
	Addr    string `default:":8080" short:"a" desc:"HTTP listen address"`
	Source  string `default:"memory" short:"s" desc:"Change source: memory, postgres or socket"`

	// KeepAlive is the interval of SSE comment pings.
	KeepAlive       time.Duration `default:"15s" desc:"SSE keep-alive interval"`
	ShutdownTimeout time.Duration `default:"10s" desc:"Graceful shutdown timeout"`

	Log struct {
		Level  string `default:"info" desc:"Minimum log level"`
		Format string `default:"text" desc:"Log format: text or json"`
	}

	Postgres struct {
		URL           string `env:"DATABASE_URL" dsec:"database_url" optional:"true" desc:"Postgres connection string"`
		NotifyChannel string `default:"realtime_changes" desc:"LISTEN/NOTIFY channel"`
		Tables        string `optional:"true" desc:"Comma separated [schema.]table list to install change triggers on"`
		TraceSQL      bool   `optional:"true" desc:"Log every SQL statement at debug level"`
	}

	Socket struct {
		URL         string        `optional:"true" desc:"Realtime websocket URL"`
		APIKey      string        `dsec:"realtime_api_key" optional:"true" desc:"Realtime API key"`
		AccessToken string        `dsec:"realtime_access_token" optional:"true" desc:"User access token sent on join"`
		Heartbeat   time.Duration `default:"25s" desc:"Websocket heartbeat interval"`
	}
}

func loadConfig(args []string) (config, error) {
	var cfg config
	err := cfgx.Parse(&cfg, cfgx.Options{
		ProgramName:   "rtwatch",
		EnvPrefix:     "RTWATCH",
		Args:          args,
		DockerSecrets: true,
	})
	if err != nil {
		return cfg, err
	}

	switch cfg.Source {
	case "memory":
	case "postgres":
		if cfg.Postgres.URL == "" {
			return cfg, errors.New("postgres source requires DATABASE_URL or -postgres-url")
		}
	case "socket":
		if cfg.Socket.URL == "" {
			return cfg, errors.New("socket source requires -socket-url")
		}
	default:
		return cfg, fmt.Errorf("unknown source %q", cfg.Source)
	}
	return cfg, nil
}

// triggerTables splits the Tables setting into schema and table pairs.
func (c config) triggerTables() [][2]string {
	var out [][2]string
	for entry := range strings.SplitSeq(c.Postgres.Tables, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		schema, table, ok := strings.Cut(entry, ".")
		if !ok {
			schema, table = "public", entry
		}
		out = append(out, [2]string{schema, table})
	}
	return out
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
