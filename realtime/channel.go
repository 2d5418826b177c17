package realtime

import "slices"

// State is the lifecycle state of a shared channel.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateOpening
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateOpening:
		return "opening"
	}
	return "closed"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// channelSubscription is the shared state behind one channel name.
//
// Fields are guarded by Multiplexer.mu. Provider calls for the channel are
// made without that lock while holding ops, so a slow open or reopen only
// holds up subscribers of the same name.
type channelSubscription struct {
	name   string
	state  State
	handle Channel
	// gen identifies the physical handle listeners were attached to.
	// Deliveries carrying an older generation are dropped.
	gen      uint64
	refCount int
	reopens  int

	// configs holds every config attached to the physical channel,
	// original ones first.
	configs   []SubscriptionConfig
	callbacks map[ConfigKey]map[uint64]Handler

	ops chan struct{}
}

func newChannelSubscription(name string) *channelSubscription {
	return &channelSubscription{
		name:      name,
		state:     StateOpening,
		callbacks: make(map[ConfigKey]map[uint64]Handler),
		ops:       make(chan struct{}, 1),
	}
}

// missing returns the distinct configs of cfgs the physical channel is not
// listening for.
func (cs *channelSubscription) missing(cfgs []SubscriptionConfig) []SubscriptionConfig {
	var out []SubscriptionConfig
	for _, cfg := range cfgs {
		key := cfg.Key()
		if cs.attached(key) || slices.ContainsFunc(out, func(c SubscriptionConfig) bool { return c.Key() == key }) {
			continue
		}
		out = append(out, cfg)
	}
	return out
}

func (cs *channelSubscription) attached(key ConfigKey) bool {
	return slices.ContainsFunc(cs.configs, func(c SubscriptionConfig) bool { return c.Key() == key })
}

func (cs *channelSubscription) addCallbacks(id uint64, keys []ConfigKey, h Handler) {
	for _, key := range keys {
		set, ok := cs.callbacks[key]
		if !ok {
			set = make(map[uint64]Handler)
			cs.callbacks[key] = set
		}
		set[id] = h
	}
}

func (cs *channelSubscription) removeCallbacks(id uint64, keys []ConfigKey) {
	for _, key := range keys {
		delete(cs.callbacks[key], id)
		if len(cs.callbacks[key]) == 0 {
			delete(cs.callbacks, key)
		}
	}
}

// holds reports whether subscriber id is registered.
func (cs *channelSubscription) holds(id uint64, keys []ConfigKey) bool {
	for _, key := range keys {
		if _, ok := cs.callbacks[key][id]; ok {
			return true
		}
	}
	return false
}

// shutdown marks cs closed and hands back the physical channel for the
// caller to close outside the lock.
func (cs *channelSubscription) shutdown() Channel {
	handle := cs.handle
	cs.state = StateClosed
	cs.handle = nil
	clear(cs.callbacks)
	return handle
}

// handlers returns the handlers registered under key in subscription order.
func (cs *channelSubscription) handlers(key ConfigKey) []Handler {
	set := cs.callbacks[key]
	if len(set) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = set[id]
	}
	return hs
}

func (cs *channelSubscription) info() ChannelInfo {
	keys := make([]ConfigKey, 0, len(cs.configs))
	for _, cfg := range cs.configs {
		keys = append(keys, cfg.Key())
	}
	slices.Sort(keys)
	return ChannelInfo{
		Name:       cs.name,
		RefCount:   cs.refCount,
		ConfigKeys: keys,
		State:      cs.state,
		Reopens:    cs.reopens,
	}
}
