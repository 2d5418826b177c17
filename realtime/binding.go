package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Binding keeps one subscription alive for as long as a consumer is
// interested in it.
//
// Update is called whenever the consumer's inputs may have changed. The
// subscription is only replaced when the channel name, the serialized
// configs or the enabled flag change, or when the subscription was lost to
// Multiplexer.Cleanup. The handler can be swapped with
// SetHandler at any time without touching the physical channel.
type Binding struct {
	mux     *Multiplexer
	handler atomic.Pointer[Handler]

	mu         sync.Mutex
	name       string
	configsKey string
	enabled    bool
	sub        *subscription
}

// NewBinding returns an inactive binding that delivers to h.
func NewBinding(mux *Multiplexer, h Handler) *Binding {
	b := &Binding{mux: mux}
	b.SetHandler(h)
	return b
}

// SetHandler replaces the handler used for future events.
func (b *Binding) SetHandler(h Handler) {
	b.handler.Store(&h)
}

// trampoline is the stable handler the multiplexer holds.
func (b *Binding) trampoline(p Payload) {
	if h := b.handler.Load(); h != nil && *h != nil {
		(*h)(p)
	}
}

// Update subscribes, resubscribes or unsubscribes to match the inputs.
func (b *Binding) Update(ctx context.Context, name string, configs []SubscriptionConfig, enabled bool) error {
	key, err := configsKey(configs)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	same := name == b.name && key == b.configsKey && enabled == b.enabled
	if same && (!enabled || (b.sub != nil && b.sub.live())) {
		return nil
	}

	b.releaseLocked()
	if !enabled {
		b.name, b.configsKey, b.enabled = name, key, false
		return nil
	}

	sub, err := b.mux.subscribe(ctx, name, configs, b.trampoline)
	if err != nil {
		b.name, b.configsKey, b.enabled = "", "", false
		return err
	}
	b.name, b.configsKey, b.enabled = name, key, true
	b.sub = sub
	return nil
}

// Active reports whether the binding currently holds a live subscription.
func (b *Binding) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sub != nil && b.sub.live()
}

// Close releases the subscription, if any.
func (b *Binding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
	b.name, b.configsKey, b.enabled = "", "", false
}

func (b *Binding) releaseLocked() {
	if b.sub != nil {
		b.sub.release()
		b.sub = nil
	}
}

func configsKey(configs []SubscriptionConfig) (string, error) {
	normalized := make([]SubscriptionConfig, len(configs))
	for i, cfg := range configs {
		normalized[i] = cfg.Normalize()
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("serialize configs: %w", err)
	}
	return string(data), nil
}
