package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// Unsubscribe releases one subscription. Calling it more than once is a
// no-op.
type Unsubscribe func()

// Multiplexer shares physical channels between subscribers of the same
// channel name. A channel is opened by its first subscriber and closed the
// instant its last subscriber leaves.
type Multiplexer struct {
	provider Provider
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[string]*channelSubscription
	nextID   uint64
	nextGen  atomic.Uint64
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Multiplexer) {
		if l != nil {
			m.logger = l
		}
	}
}

// New creates a Multiplexer that opens channels through p.
func New(p Provider, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		provider: p,
		logger:   slog.Default(),
		channels: make(map[string]*channelSubscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers h for every config on the channel called name.
//
// The first subscriber of a name opens the physical channel with one
// listener per distinct config. Later subscribers share it; configs the
// channel is not yet listening for are attached to the open channel, or the
// channel is reopened with the merged set when it cannot accept listeners
// after start. Subscribers of the same name wait for each other's provider
// calls; other channels are never held up.
//
// The returned Unsubscribe must be called to release the subscription.
func (m *Multiplexer) Subscribe(ctx context.Context, name string, configs []SubscriptionConfig, h Handler) (Unsubscribe, error) {
	sub, err := m.subscribe(ctx, name, configs, h)
	if err != nil {
		return nil, err
	}
	return sub.release, nil
}

// subscription is one registered subscriber.
type subscription struct {
	m    *Multiplexer
	cs   *channelSubscription
	id   uint64
	keys []ConfigKey
	once sync.Once
}

func (s *subscription) release() {
	s.once.Do(func() { s.m.unsubscribe(s.cs, s.id, s.keys) })
}

// live reports whether the subscription still receives changes. It turns
// false after release or Cleanup.
func (s *subscription) live() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	return s.m.channels[s.cs.name] == s.cs && s.cs.holds(s.id, s.keys)
}

func (m *Multiplexer) subscribe(ctx context.Context, name string, configs []SubscriptionConfig, h Handler) (*subscription, error) {
	cfgs, err := validate(name, configs, h)
	if err != nil {
		return nil, err
	}
	keys := make([]ConfigKey, 0, len(cfgs))
	for _, cfg := range cfgs {
		if key := cfg.Key(); !slices.Contains(keys, key) {
			keys = append(keys, key)
		}
	}

	// The reference keeps the entry alive while its provider calls run.
	m.mu.Lock()
	cs, ok := m.channels[name]
	if !ok {
		cs = newChannelSubscription(name)
		m.channels[name] = cs
	}
	cs.refCount++
	m.nextID++
	sub := &subscription{m: m, cs: cs, id: m.nextID, keys: keys}
	m.mu.Unlock()

	if err := m.attach(ctx, cs, cfgs); err != nil {
		sub.release()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[name] != cs {
		return nil, fmt.Errorf("channel %q: %w", name, ErrChannelClosed)
	}
	cs.addCallbacks(sub.id, keys, h)
	return sub, nil
}

// SubscribeContext is like Subscribe but also releases the subscription when
// ctx is done.
func (m *Multiplexer) SubscribeContext(ctx context.Context, name string, configs []SubscriptionConfig, h Handler) (Unsubscribe, error) {
	unsub, err := m.Subscribe(ctx, name, configs, h)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, unsub)
	return func() {
		stop()
		unsub()
	}, nil
}

func validate(name string, configs []SubscriptionConfig, h Handler) ([]SubscriptionConfig, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: channel name is required", ErrInvalidSubscription)
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("%w: at least one config is required", ErrInvalidSubscription)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: handler is nil", ErrInvalidSubscription)
	}
	cfgs := make([]SubscriptionConfig, len(configs))
	for i, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		cfgs[i] = cfg.Normalize()
	}
	return cfgs, nil
}

// unsubscribe drops one reference to cs, closing the physical channel
// when it was the last. It does nothing when cs is no longer the live entry
// for its name.
func (m *Multiplexer) unsubscribe(cs *channelSubscription, id uint64, keys []ConfigKey) {
	m.mu.Lock()
	if m.channels[cs.name] != cs {
		m.mu.Unlock()
		return
	}
	cs.removeCallbacks(id, keys)
	cs.refCount--
	if cs.refCount > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.channels, cs.name)
	handle := cs.shutdown()
	m.mu.Unlock()

	if handle == nil {
		return
	}
	if err := handle.Close(); err != nil {
		m.logger.Error("realtime: close channel", "channel", cs.name, "error", err)
	}
	m.logger.Debug("realtime: channel closed", "channel", cs.name)
}

// ActiveChannelCount returns the number of open channel names.
func (m *Multiplexer) ActiveChannelCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// DebugInfo returns a snapshot of every open channel, sorted by name.
func (m *Multiplexer) DebugInfo() []ChannelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]ChannelInfo, 0, len(m.channels))
	for _, cs := range m.channels {
		infos = append(infos, cs.info())
	}
	slices.SortFunc(infos, func(a, b ChannelInfo) int {
		return strings.Compare(a.Name, b.Name)
	})
	return infos
}

// Cleanup closes every channel regardless of its reference count and
// forgets all subscribers. Outstanding Unsubscribe funcs become no-ops and
// subscriptions still being set up fail with ErrChannelClosed.
func (m *Multiplexer) Cleanup() error {
	m.mu.Lock()
	handles := make(map[string]Channel, len(m.channels))
	for name, cs := range m.channels {
		if handle := cs.shutdown(); handle != nil {
			handles[name] = handle
		}
	}
	clear(m.channels)
	m.mu.Unlock()

	var errs []error
	for name, handle := range handles {
		if err := handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// attach makes the physical channel of cs listen for every config in cfgs,
// opening it if this is the first subscriber. The caller holds a reference
// to cs but not m.mu.
func (m *Multiplexer) attach(ctx context.Context, cs *channelSubscription, cfgs []SubscriptionConfig) error {
	select {
	case cs.ops <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-cs.ops }()

	m.mu.Lock()
	if m.channels[cs.name] != cs {
		m.mu.Unlock()
		return fmt.Errorf("channel %q: %w", cs.name, ErrChannelClosed)
	}
	missing := cs.missing(cfgs)
	handle, gen := cs.handle, cs.gen
	m.mu.Unlock()

	if handle == nil {
		return m.open(ctx, cs, missing)
	}
	if len(missing) == 0 {
		return nil
	}
	return m.addListeners(ctx, cs, handle, gen, missing)
}

// open connects the physical channel of cs and moves it to StateOpen.
func (m *Multiplexer) open(ctx context.Context, cs *channelSubscription, cfgs []SubscriptionConfig) error {
	gen := m.nextGen.Add(1)
	handle, err := m.connect(ctx, cs.name, gen, cfgs)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.channels[cs.name] != cs {
		m.mu.Unlock()
		handle.Close()
		return fmt.Errorf("channel %q: %w", cs.name, ErrChannelClosed)
	}
	cs.handle, cs.gen, cs.state = handle, gen, StateOpen
	cs.configs = cfgs
	m.mu.Unlock()

	m.logger.Debug("realtime: channel opened", "channel", cs.name, "configs", len(cfgs))
	return nil
}

// connect opens and starts a physical channel with one listener per config.
func (m *Multiplexer) connect(ctx context.Context, name string, gen uint64, configs []SubscriptionConfig) (Channel, error) {
	handle, err := m.provider.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("open channel %q: %w", name, err)
	}
	for _, cfg := range configs {
		if err := handle.On(cfg, m.listener(name, gen, cfg.Key())); err != nil {
			handle.Close()
			return nil, fmt.Errorf("attach %s to channel %q: %w", cfg.Key(), name, err)
		}
	}
	if err := handle.Subscribe(ctx); err != nil {
		handle.Close()
		return nil, fmt.Errorf("subscribe channel %q: %w", name, err)
	}
	return handle, nil
}

// addListeners extends the open channel handle with configs it is not
// listening for yet. Configs that could not be attached are not recorded.
func (m *Multiplexer) addListeners(ctx context.Context, cs *channelSubscription, handle Channel, gen uint64, added []SubscriptionConfig) error {
	if la, ok := handle.(LiveAttacher); ok && !la.LiveAttach() {
		return m.reopen(ctx, cs, added)
	}
	for i, cfg := range added {
		err := handle.On(cfg, m.listener(cs.name, gen, cfg.Key()))
		if errors.Is(err, ErrLiveAttachUnsupported) {
			m.recordConfigs(cs, added[:i])
			return m.reopen(ctx, cs, added[i:])
		}
		if err != nil {
			m.recordConfigs(cs, added[:i])
			return fmt.Errorf("attach %s to channel %q: %w", cfg.Key(), cs.name, err)
		}
	}
	m.recordConfigs(cs, added)
	return nil
}

func (m *Multiplexer) recordConfigs(cs *channelSubscription, cfgs []SubscriptionConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs.configs = append(cs.configs, cfgs...)
}

// reopen replaces the physical channel with one listening for the full
// merged config set. The old channel keeps delivering until the new one has
// started, so a failed reopen leaves existing subscribers untouched.
func (m *Multiplexer) reopen(ctx context.Context, cs *channelSubscription, added []SubscriptionConfig) error {
	m.mu.Lock()
	merged := append(slices.Clone(cs.configs), added...)
	m.mu.Unlock()

	gen := m.nextGen.Add(1)
	handle, err := m.connect(ctx, cs.name, gen, merged)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.channels[cs.name] != cs {
		m.mu.Unlock()
		handle.Close()
		return fmt.Errorf("channel %q: %w", cs.name, ErrChannelClosed)
	}
	old := cs.handle
	cs.handle, cs.gen, cs.configs = handle, gen, merged
	cs.reopens++
	m.mu.Unlock()

	if err := old.Close(); err != nil {
		m.logger.Error("realtime: close replaced channel", "channel", cs.name, "error", err)
	}
	m.logger.Debug("realtime: channel reopened", "channel", cs.name, "configs", len(merged))
	return nil
}

// listener is the handler attached to the physical channel for key.
func (m *Multiplexer) listener(name string, gen uint64, key ConfigKey) Handler {
	return func(p Payload) {
		m.dispatch(name, gen, key, p)
	}
}

// dispatch fans p out to the handlers registered under key. Handlers run
// outside the lock, so they may subscribe or unsubscribe.
func (m *Multiplexer) dispatch(name string, gen uint64, key ConfigKey, p Payload) {
	m.mu.Lock()
	cs, ok := m.channels[name]
	if !ok || cs.gen != gen || cs.state != StateOpen {
		m.mu.Unlock()
		return
	}
	handlers := cs.handlers(key)
	m.mu.Unlock()

	for _, h := range handlers {
		m.invoke(name, key, h, p)
	}
}

func (m *Multiplexer) invoke(name string, key ConfigKey, h Handler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("realtime: handler panicked",
				"channel", name, "key", key, "table", p.Table, "panic", r)
		}
	}()
	h(p)
}
