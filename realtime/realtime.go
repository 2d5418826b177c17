// Package realtime multiplexes database change-stream subscriptions.
//
// Many independent consumers can observe the same backend change stream
// without each opening its own physical channel. A [Multiplexer] keeps one
// physical [Channel] per channel name, reference-counts the callers that
// subscribe to it and fans every incoming change out to only the handlers
// registered for the (schema, table, event, filter) tuple that matched.
//
// The physical transport is supplied by a [Provider]. See the changestream
// package for in-memory, Postgres LISTEN/NOTIFY and websocket providers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	// ErrInvalidSubscription is returned when Subscribe is called with an
	// empty channel name, no configs, a nil handler or a malformed config.
	ErrInvalidSubscription = errors.New("realtime: invalid subscription")

	// ErrLiveAttachUnsupported is returned by a Channel that cannot accept
	// listeners after it has been started.
	ErrLiveAttachUnsupported = errors.New("realtime: channel does not accept listeners after subscribe")

	// ErrChannelClosed is returned by Subscribe when Cleanup closed the
	// channel while the subscription was being set up.
	ErrChannelClosed = errors.New("realtime: channel closed")
)

// EventKind is the event kind physical listeners are registered under.
const EventKind = "postgres_changes"

// DefaultSchema is used when a SubscriptionConfig leaves Schema empty.
const DefaultSchema = "public"

// EventType is the type of row-level change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
	EventAll    EventType = "*"
)

func (e EventType) valid() bool {
	switch e {
	case EventInsert, EventUpdate, EventDelete, EventAll:
		return true
	}
	return false
}

// Matches reports whether a change of type got is wanted by e.
func (e EventType) Matches(got EventType) bool {
	return e == EventAll || e == got
}

// SubscriptionConfig identifies a class of change events of interest.
type SubscriptionConfig struct {
	Table  string    `json:"table"`
	Schema string    `json:"schema,omitempty"`
	Event  EventType `json:"event,omitempty"`
	Filter string    `json:"filter,omitempty"`
}

// Normalize returns a copy with the schema and event defaults applied.
func (c SubscriptionConfig) Normalize() SubscriptionConfig {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.Event == "" {
		c.Event = EventAll
	}
	c.Event = EventType(strings.ToUpper(string(c.Event)))
	return c
}

// Validate checks the normalized config.
func (c SubscriptionConfig) Validate() error {
	c = c.Normalize()
	if c.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidSubscription)
	}
	if !c.Event.valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidSubscription, c.Event)
	}
	if c.Filter != "" {
		if _, err := ParseFilter(c.Filter); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSubscription, err)
		}
	}
	return nil
}

// Key returns the listener identity of the config. Schema is part of the
// identity, so configs differing only by schema never share a callback set.
func (c SubscriptionConfig) Key() ConfigKey {
	c = c.Normalize()
	return ConfigKey(c.Schema + ":" + c.Table + ":" + string(c.Event) + ":" + c.Filter)
}

// ConfigKey is the identity of a listener: schema, table, event and filter.
type ConfigKey string

// Payload is a single row-level change.
type Payload struct {
	EventType       EventType      `json:"eventType"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors,omitempty"`
}

// Handler receives change payloads.
type Handler func(Payload)

// Provider opens physical channels against a change stream.
type Provider interface {
	// Open creates a new, not yet started, channel for name.
	Open(ctx context.Context, name string) (Channel, error)
}

// Channel is a physical duplex channel to the change stream.
type Channel interface {
	// On attaches a listener for changes matching cfg.
	On(cfg SubscriptionConfig, h Handler) error
	// Subscribe starts delivery.
	Subscribe(ctx context.Context) error
	// Close releases the channel. Listeners are not called afterwards.
	Close() error
}

// LiveAttacher is implemented by channels that can report whether On may be
// called after Subscribe. Channels that do not implement it are assumed to
// support it.
type LiveAttacher interface {
	LiveAttach() bool
}

// ChannelInfo is a read-only snapshot of one channel.
type ChannelInfo struct {
	Name       string      `json:"channel"`
	RefCount   int         `json:"refCount"`
	ConfigKeys []ConfigKey `json:"configKeys"`
	State      State       `json:"state"`
	Reopens    int         `json:"reopens"`
}
