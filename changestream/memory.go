package changestream

import (
	"context"
	"sync"

	"github.com/erlorenz/rtmux/realtime"
)

// InMemory is an in-process change stream.
// Changes published with Publish are delivered synchronously, in order, to
// every started channel with a matching listener.
type InMemory struct {
	opts options

	mu       sync.RWMutex
	channels map[*memoryChannel]struct{}
	closed   bool
	stats    Stats
}

// Stats counts physical channels over the lifetime of an InMemory.
type Stats struct {
	Opened int `json:"opened"`
	Closed int `json:"closed"`
	Active int `json:"active"`
}

type memoryChannel struct {
	provider *InMemory
	name     string

	mu       sync.Mutex
	bindings []binding
	started  bool
	closed   bool
}

// NewInMemory creates a new in-memory change stream.
func NewInMemory(opts ...Option) *InMemory {
	return &InMemory{
		opts:     newOptions(opts),
		channels: make(map[*memoryChannel]struct{}),
	}
}

// Open implements realtime.Provider.
func (m *InMemory) Open(ctx context.Context, name string) (realtime.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ch := &memoryChannel{provider: m, name: name}
	m.channels[ch] = struct{}{}
	m.stats.Opened++
	m.opts.logger.Debug("changestream: memory channel opened", "channel", name)
	return ch, nil
}

// Publish delivers p to every matching listener.
func (m *InMemory) Publish(ctx context.Context, p realtime.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Schema == "" {
		p.Schema = realtime.DefaultSchema
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	channels := make([]*memoryChannel, 0, len(m.channels))
	for ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		if bindings := ch.snapshot(); len(bindings) > 0 {
			deliver(bindings, p)
		}
	}
	return nil
}

// Stats returns channel counters.
func (m *InMemory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.stats
	s.Active = len(m.channels)
	return s
}

// Close closes every channel and rejects further use.
func (m *InMemory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.stats.Closed += len(m.channels)
	channels := m.channels
	m.channels = make(map[*memoryChannel]struct{})
	m.mu.Unlock()

	for ch := range channels {
		ch.markClosed()
	}
	return nil
}

func (m *InMemory) remove(ch *memoryChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch]; ok {
		delete(m.channels, ch)
		m.stats.Closed++
	}
}

// On implements realtime.Channel.
func (c *memoryChannel) On(cfg realtime.SubscriptionConfig, h realtime.Handler) error {
	b, err := newBinding(cfg, h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started && !c.provider.opts.liveAttach {
		return realtime.ErrLiveAttachUnsupported
	}
	c.bindings = append(c.bindings, b)
	return nil
}

// LiveAttach implements realtime.LiveAttacher.
func (c *memoryChannel) LiveAttach() bool {
	return c.provider.opts.liveAttach
}

// Subscribe implements realtime.Channel.
func (c *memoryChannel) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.started = true
	return nil
}

// Close implements realtime.Channel.
func (c *memoryChannel) Close() error {
	if !c.markClosed() {
		return nil
	}
	c.provider.remove(c)
	c.provider.opts.logger.Debug("changestream: memory channel closed", "channel", c.name)
	return nil
}

func (c *memoryChannel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.bindings = nil
	return true
}

func (c *memoryChannel) snapshot() []binding {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closed {
		return nil
	}
	return append([]binding(nil), c.bindings...)
}
