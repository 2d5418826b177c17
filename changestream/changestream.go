// Package changestream provides physical change-stream channels for the
// realtime multiplexer.
//
// Three providers are available:
//   - InMemory: in-process stream fed by Publish, for tests and development
//   - Postgres: LISTEN/NOTIFY on a trigger-fed notify channel
//   - Socket: a Supabase-compatible realtime websocket client
//
// Every provider implements realtime.Provider. Listeners are matched on
// schema, table, event type and row filter.
package changestream

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erlorenz/rtmux/realtime"
)

// Common errors.
var (
	// ErrClosed is returned when operations are attempted on a closed
	// provider or channel.
	ErrClosed = errors.New("changestream: closed")

	// ErrPayloadTooLarge is returned when a change does not fit into a
	// PostgreSQL NOTIFY payload.
	ErrPayloadTooLarge = errors.New("changestream: payload exceeds PostgreSQL NOTIFY limit of 8000 bytes")
)

const (
	// DefaultNotifyChannel is the LISTEN/NOTIFY channel the change trigger
	// publishes to.
	DefaultNotifyChannel = "realtime_changes"

	// DefaultHeartbeat is the interval between websocket heartbeats.
	DefaultHeartbeat = 25 * time.Second

	// DefaultJoinTimeout bounds the wait for a websocket join reply.
	DefaultJoinTimeout = 10 * time.Second

	maxNotifyPayload = 8000
)

type options struct {
	logger        *slog.Logger
	notifyChannel string
	liveAttach    bool
	heartbeat     time.Duration
	joinTimeout   time.Duration
	dialer        *websocket.Dialer
	apiKey        string
	accessToken   string
}

func newOptions(opts []Option) options {
	o := options{
		logger:        slog.Default(),
		notifyChannel: DefaultNotifyChannel,
		liveAttach:    true,
		heartbeat:     DefaultHeartbeat,
		joinTimeout:   DefaultJoinTimeout,
		dialer:        websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a provider. Options a provider does not use are
// ignored.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithNotifyChannel sets the Postgres notify channel.
func WithNotifyChannel(name string) Option {
	return func(o *options) {
		if name != "" {
			o.notifyChannel = name
		}
	}
}

// WithoutLiveAttach makes InMemory channels refuse listeners once started,
// like a server that fixes its listeners at join time.
func WithoutLiveAttach() Option {
	return func(o *options) { o.liveAttach = false }
}

// WithHeartbeat sets the websocket heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.heartbeat = d
		}
	}
}

// WithJoinTimeout sets how long Socket channels wait for the server to
// acknowledge a join.
func WithJoinTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.joinTimeout = d
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithAPIKey sets the API key sent when dialing the websocket.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithAccessToken sets the user access token sent when joining channels.
func WithAccessToken(token string) Option {
	return func(o *options) { o.accessToken = token }
}

// binding is one listener attached to a physical channel.
type binding struct {
	cfg     realtime.SubscriptionConfig
	matcher realtime.Matcher
	handler realtime.Handler
	// serverID is the id a websocket server assigned on join.
	serverID int64
}

func newBinding(cfg realtime.SubscriptionConfig, h realtime.Handler) (binding, error) {
	m, err := realtime.NewMatcher(cfg)
	if err != nil {
		return binding{}, err
	}
	return binding{cfg: m.Config(), matcher: m, handler: h}, nil
}

// deliver calls every matching handler in attach order.
func deliver(bindings []binding, p realtime.Payload) {
	for _, b := range bindings {
		if b.matcher.Match(p) {
			b.handler(p)
		}
	}
}
