package realtime_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/erlorenz/rtmux/changestream"
	"github.com/erlorenz/rtmux/realtime"
)

var quiet = realtime.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

// counter is a concurrency-safe handler that counts deliveries.
type counter struct {
	mu  sync.Mutex
	got []realtime.Payload
}

func (c *counter) handle(p realtime.Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, p)
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got)
}

func change(table string, event realtime.EventType) realtime.Payload {
	return realtime.Payload{
		EventType: event,
		Schema:    "public",
		Table:     table,
		New:       map[string]any{"id": 1},
		Old:       map[string]any{"id": 1},
	}
}

func publish(t *testing.T, stream *changestream.InMemory, p realtime.Payload) {
	t.Helper()
	if err := stream.Publish(context.Background(), p); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func subscribe(t *testing.T, mux *realtime.Multiplexer, name string, h realtime.Handler, configs ...realtime.SubscriptionConfig) realtime.Unsubscribe {
	t.Helper()
	unsub, err := mux.Subscribe(context.Background(), name, configs, h)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	return unsub
}

func TestSharedChannel(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)
	events := realtime.SubscriptionConfig{Table: "events", Event: realtime.EventAll}

	var a, b counter
	unsubA := subscribe(t, mux, "x", a.handle, events)
	unsubB := subscribe(t, mux, "x", b.handle, events)

	if got := mux.ActiveChannelCount(); got != 1 {
		t.Fatalf("ActiveChannelCount: wanted 1, got %d", got)
	}

	unsubA()
	if got := mux.ActiveChannelCount(); got != 1 {
		t.Fatalf("ActiveChannelCount after A left: wanted 1, got %d", got)
	}

	publish(t, stream, change("events", realtime.EventInsert))
	if a.count() != 0 {
		t.Errorf("A: wanted no deliveries after unsubscribe, got %d", a.count())
	}
	if b.count() != 1 {
		t.Errorf("B: wanted 1 delivery, got %d", b.count())
	}

	unsubB()
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Fatalf("ActiveChannelCount after B left: wanted 0, got %d", got)
	}
	if want := (changestream.Stats{Opened: 1, Closed: 1}); stream.Stats() != want {
		t.Errorf("Stats: wanted %+v, got %+v", want, stream.Stats())
	}
}

func TestFanOutToMatchingConfigOnly(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)

	var onA, onB counter
	unsubA := subscribe(t, mux, "y", onA.handle, realtime.SubscriptionConfig{Table: "a"})
	unsubB := subscribe(t, mux, "y", onB.handle, realtime.SubscriptionConfig{Table: "b"})
	defer unsubA()
	defer unsubB()

	publish(t, stream, change("a", realtime.EventInsert))

	if onA.count() != 1 {
		t.Errorf("table a: wanted 1 delivery, got %d", onA.count())
	}
	if onB.count() != 0 {
		t.Errorf("table b: wanted 0 deliveries, got %d", onB.count())
	}
}

func TestTwoConfigsOneSubscriber(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)

	var got counter
	unsub := subscribe(t, mux, "y", got.handle,
		realtime.SubscriptionConfig{Table: "a"},
		realtime.SubscriptionConfig{Table: "b"},
	)
	defer unsub()

	publish(t, stream, change("a", realtime.EventInsert))
	if got.count() != 1 {
		t.Fatalf("wanted 1 delivery, got %d", got.count())
	}
	if got.got[0].Table != "a" {
		t.Errorf("wanted change for table a, got %s", got.got[0].Table)
	}
}

func TestListenerExtension(t *testing.T) {
	tests := []struct {
		name        string
		opts        []changestream.Option
		wantOpened  int
		wantReopens int
	}{
		{"LiveAttach", nil, 1, 0},
		{"Reopen", []changestream.Option{changestream.WithoutLiveAttach()}, 2, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := changestream.NewInMemory(tt.opts...)
			mux := realtime.New(stream, quiet)

			var first, second counter
			unsub1 := subscribe(t, mux, "y", first.handle,
				realtime.SubscriptionConfig{Table: "a"},
				realtime.SubscriptionConfig{Table: "b"},
			)
			unsub2 := subscribe(t, mux, "y", second.handle, realtime.SubscriptionConfig{Table: "c"})

			publish(t, stream, change("c", realtime.EventInsert))
			if second.count() != 1 {
				t.Errorf("table c: wanted 1 delivery, got %d", second.count())
			}

			// The original listeners keep working after the extension.
			publish(t, stream, change("a", realtime.EventInsert))
			if first.count() != 1 {
				t.Errorf("table a: wanted 1 delivery, got %d", first.count())
			}
			if second.count() != 1 {
				t.Errorf("table c listener: wanted still 1 delivery, got %d", second.count())
			}

			info := mux.DebugInfo()
			if len(info) != 1 || len(info[0].ConfigKeys) != 3 {
				t.Fatalf("DebugInfo: wanted one channel with 3 keys, got %+v", info)
			}
			if info[0].Reopens != tt.wantReopens {
				t.Errorf("Reopens: wanted %d, got %d", tt.wantReopens, info[0].Reopens)
			}
			if got := stream.Stats(); got.Opened != tt.wantOpened || got.Active != 1 {
				t.Errorf("Stats: wanted %d opened and 1 active, got %+v", tt.wantOpened, got)
			}

			unsub1()
			unsub2()
			if got := stream.Stats().Active; got != 0 {
				t.Errorf("Active: wanted 0, got %d", got)
			}
		})
	}
}

func TestManySubscribersOneChannel(t *testing.T) {
	const n = 25

	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)
	cfg := realtime.SubscriptionConfig{Table: "events"}

	unsubs := make([]realtime.Unsubscribe, n)
	for i := range n {
		unsubs[i] = subscribe(t, mux, "team-7", func(realtime.Payload) {}, cfg)
	}
	rand.Shuffle(n, func(i, j int) { unsubs[i], unsubs[j] = unsubs[j], unsubs[i] })

	for i, unsub := range unsubs {
		unsub()
		info := mux.DebugInfo()
		remaining := n - i - 1

		if remaining == 0 {
			if len(info) != 0 {
				t.Fatalf("wanted no channels after last unsubscribe, got %+v", info)
			}
			break
		}
		if len(info) != 1 || info[0].RefCount != remaining {
			t.Fatalf("after %d unsubscribes: wanted refCount %d, got %+v", i+1, remaining, info)
		}
		if got := stream.Stats().Closed; got != 0 {
			t.Fatalf("channel closed early after %d unsubscribes", i+1)
		}
	}

	if want := (changestream.Stats{Opened: 1, Closed: 1}); stream.Stats() != want {
		t.Errorf("Stats: wanted %+v, got %+v", want, stream.Stats())
	}
}

func TestEventTypeIsolation(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)

	var got counter
	unsub := subscribe(t, mux, "x", got.handle, realtime.SubscriptionConfig{Table: "a", Event: realtime.EventInsert})
	defer unsub()
	keep := subscribe(t, mux, "x", func(realtime.Payload) {},
		realtime.SubscriptionConfig{Table: "b"},
		realtime.SubscriptionConfig{Table: "a", Event: realtime.EventDelete},
	)
	defer keep()

	publish(t, stream, change("b", realtime.EventInsert))
	publish(t, stream, change("a", realtime.EventDelete))
	publish(t, stream, change("a", realtime.EventUpdate))
	if got.count() != 0 {
		t.Fatalf("wanted 0 deliveries, got %d", got.count())
	}

	publish(t, stream, change("a", realtime.EventInsert))
	if got.count() != 1 {
		t.Errorf("wanted 1 delivery, got %d", got.count())
	}
}

func TestSchemaIsPartOfIdentity(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)

	var public, audit counter
	defer subscribe(t, mux, "x", public.handle, realtime.SubscriptionConfig{Table: "events"})()
	defer subscribe(t, mux, "x", audit.handle, realtime.SubscriptionConfig{Table: "events", Schema: "audit"})()

	p := change("events", realtime.EventInsert)
	p.Schema = "audit"
	publish(t, stream, p)

	if public.count() != 0 || audit.count() != 1 {
		t.Errorf("wanted only the audit listener, got public=%d audit=%d", public.count(), audit.count())
	}
}

func TestDuplicateConfigsDeliverOnce(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)

	var got counter
	cfg := realtime.SubscriptionConfig{Table: "events"}
	unsub := subscribe(t, mux, "x", got.handle, cfg, realtime.SubscriptionConfig{Table: "events", Schema: "public", Event: "*"})
	defer unsub()

	publish(t, stream, change("events", realtime.EventUpdate))
	if got.count() != 1 {
		t.Errorf("wanted 1 delivery, got %d", got.count())
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)
	cfg := realtime.SubscriptionConfig{Table: "events"}

	var b counter
	unsubA := subscribe(t, mux, "x", func(realtime.Payload) {}, cfg)
	unsubB := subscribe(t, mux, "x", b.handle, cfg)
	defer unsubB()

	unsubA()
	unsubA()

	info := mux.DebugInfo()
	if len(info) != 1 || info[0].RefCount != 1 {
		t.Fatalf("wanted refCount 1 after double unsubscribe, got %+v", info)
	}
	publish(t, stream, change("events", realtime.EventInsert))
	if b.count() != 1 {
		t.Errorf("B: wanted 1 delivery, got %d", b.count())
	}
}

func TestCleanup(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)
	cfg := realtime.SubscriptionConfig{Table: "events"}

	var got counter
	unsubX := subscribe(t, mux, "x", got.handle, cfg)
	subscribe(t, mux, "x", got.handle, cfg)
	subscribe(t, mux, "y", got.handle, cfg)

	if err := mux.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Fatalf("ActiveChannelCount: wanted 0, got %d", got)
	}
	if want := (changestream.Stats{Opened: 2, Closed: 2}); stream.Stats() != want {
		t.Errorf("Stats: wanted %+v, got %+v", want, stream.Stats())
	}

	// A stale unsubscribe must not touch a channel reopened under the same name.
	unsubNew := subscribe(t, mux, "x", got.handle, cfg)
	defer unsubNew()
	unsubX()
	if info := mux.DebugInfo(); len(info) != 1 || info[0].RefCount != 1 {
		t.Errorf("wanted the new channel untouched, got %+v", info)
	}

	publish(t, stream, change("events", realtime.EventInsert))
	if got.count() != 1 {
		t.Errorf("wanted 1 delivery on the new channel, got %d", got.count())
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)
	cfg := realtime.SubscriptionConfig{Table: "events"}

	var after counter
	defer subscribe(t, mux, "x", func(realtime.Payload) { panic("boom") }, cfg)()
	defer subscribe(t, mux, "x", after.handle, cfg)()

	publish(t, stream, change("events", realtime.EventInsert))
	publish(t, stream, change("events", realtime.EventInsert))

	if after.count() != 2 {
		t.Errorf("wanted sibling to receive 2 deliveries, got %d", after.count())
	}
	if info := mux.DebugInfo(); info[0].RefCount != 2 {
		t.Errorf("wanted refCount 2, got %d", info[0].RefCount)
	}
}

func TestUnsubscribeFromHandler(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)
	cfg := realtime.SubscriptionConfig{Table: "events"}

	var unsub realtime.Unsubscribe
	calls := 0
	unsub = subscribe(t, mux, "x", func(realtime.Payload) {
		calls++
		unsub()
	}, cfg)

	publish(t, stream, change("events", realtime.EventInsert))
	publish(t, stream, change("events", realtime.EventInsert))

	if calls != 1 {
		t.Errorf("wanted 1 call, got %d", calls)
	}
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Errorf("ActiveChannelCount: wanted 0, got %d", got)
	}
}

func TestSubscribeContext(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(stream, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := mux.SubscribeContext(ctx, "x", []realtime.SubscriptionConfig{{Table: "events"}}, func(realtime.Payload) {})
	if err != nil {
		t.Fatalf("SubscribeContext failed: %v", err)
	}
	if got := mux.ActiveChannelCount(); got != 1 {
		t.Fatalf("ActiveChannelCount: wanted 1, got %d", got)
	}

	cancel()
	// The release runs in its own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for mux.ActiveChannelCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Errorf("ActiveChannelCount after cancel: wanted 0, got %d", got)
	}
}

func TestSubscribeRejectsInvalidInput(t *testing.T) {
	mux := realtime.New(changestream.NewInMemory(), quiet)
	noop := func(realtime.Payload) {}
	valid := []realtime.SubscriptionConfig{{Table: "events"}}

	tests := []struct {
		name    string
		channel string
		configs []realtime.SubscriptionConfig
		handler realtime.Handler
	}{
		{"EmptyName", "", valid, noop},
		{"NoConfigs", "x", nil, noop},
		{"NilHandler", "x", valid, nil},
		{"EmptyTable", "x", []realtime.SubscriptionConfig{{Event: realtime.EventInsert}}, noop},
		{"UnknownEvent", "x", []realtime.SubscriptionConfig{{Table: "events", Event: "TRUNCATE"}}, noop},
		{"BadFilter", "x", []realtime.SubscriptionConfig{{Table: "events", Filter: "team_id"}}, noop},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mux.Subscribe(context.Background(), tt.channel, tt.configs, tt.handler)
			if !errors.Is(err, realtime.ErrInvalidSubscription) {
				t.Errorf("wanted ErrInvalidSubscription, got %v", err)
			}
		})
	}
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Errorf("ActiveChannelCount: wanted 0, got %d", got)
	}
}

// failingProvider fails to start channels.
type failingProvider struct {
	*changestream.InMemory
}

func (p failingProvider) Open(ctx context.Context, name string) (realtime.Channel, error) {
	ch, err := p.InMemory.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingChannel{ch}, nil
}

type failingChannel struct {
	realtime.Channel
}

func (failingChannel) Subscribe(context.Context) error {
	return errors.New("connection refused")
}

func TestProviderFailureLeavesNoEntry(t *testing.T) {
	stream := changestream.NewInMemory()
	mux := realtime.New(failingProvider{stream}, quiet)

	_, err := mux.Subscribe(context.Background(), "x", []realtime.SubscriptionConfig{{Table: "events"}}, func(realtime.Payload) {})
	if err == nil {
		t.Fatal("wanted error from failing provider")
	}
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Errorf("ActiveChannelCount: wanted 0, got %d", got)
	}
	if got := stream.Stats().Active; got != 0 {
		t.Errorf("wanted the failed channel released, %d still active", got)
	}
}

func TestDebugInfo(t *testing.T) {
	mux := realtime.New(changestream.NewInMemory(), quiet)
	noop := func(realtime.Payload) {}

	defer subscribe(t, mux, "b", noop, realtime.SubscriptionConfig{Table: "rsvps", Event: realtime.EventInsert, Filter: "event_id=eq.3"})()
	defer subscribe(t, mux, "a", noop, realtime.SubscriptionConfig{Table: "teams"}, realtime.SubscriptionConfig{Table: "events"})()
	defer subscribe(t, mux, "a", noop, realtime.SubscriptionConfig{Table: "teams"})()

	info := mux.DebugInfo()
	if len(info) != 2 {
		t.Fatalf("wanted 2 channels, got %d", len(info))
	}

	a, b := info[0], info[1]
	if a.Name != "a" || a.RefCount != 2 || a.State != realtime.StateOpen {
		t.Errorf("channel a: got %+v", a)
	}
	wantKeys := []realtime.ConfigKey{"public:events:*:", "public:teams:*:"}
	if len(a.ConfigKeys) != 2 || a.ConfigKeys[0] != wantKeys[0] || a.ConfigKeys[1] != wantKeys[1] {
		t.Errorf("channel a keys: wanted %v, got %v", wantKeys, a.ConfigKeys)
	}
	if want := realtime.ConfigKey("public:rsvps:INSERT:event_id=eq.3"); b.ConfigKeys[0] != want {
		t.Errorf("channel b key: wanted %s, got %s", want, b.ConfigKeys[0])
	}
}

// gatedProvider holds Open for one channel name until release is closed.
type gatedProvider struct {
	*changestream.InMemory
	name    string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedProvider(stream *changestream.InMemory, name string) *gatedProvider {
	return &gatedProvider{
		InMemory: stream,
		name:     name,
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
}

func (p *gatedProvider) Open(ctx context.Context, name string) (realtime.Channel, error) {
	if name == p.name {
		p.once.Do(func() { close(p.entered) })
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.InMemory.Open(ctx, name)
}

type subscribeResult struct {
	unsub realtime.Unsubscribe
	err   error
}

// subscribeAsync subscribes on another goroutine once the gate is entered.
func subscribeAsync(t *testing.T, mux *realtime.Multiplexer, p *gatedProvider, h realtime.Handler) <-chan subscribeResult {
	t.Helper()
	res := make(chan subscribeResult, 1)
	go func() {
		unsub, err := mux.Subscribe(context.Background(), p.name, []realtime.SubscriptionConfig{{Table: "events"}}, h)
		res <- subscribeResult{unsub, err}
	}()
	select {
	case <-p.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Open was never called")
	}
	return res
}

func TestSlowOpenDoesNotBlockOtherChannels(t *testing.T) {
	stream := changestream.NewInMemory()
	p := newGatedProvider(stream, "slow")
	mux := realtime.New(p, quiet)
	events := realtime.SubscriptionConfig{Table: "events"}

	var a, b, slow counter
	unsubA := subscribe(t, mux, "a", a.handle, events)
	defer subscribe(t, mux, "b", b.handle, events)()

	res := subscribeAsync(t, mux, p, slow.handle)

	done := make(chan error)
	var active int
	go func() {
		err := stream.Publish(context.Background(), change("events", realtime.EventInsert))
		unsubA()
		active = mux.ActiveChannelCount()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("publish and unsubscribe blocked behind a slow open")
	}
	// b plus the channel still opening.
	if active != 2 {
		t.Errorf("ActiveChannelCount: wanted 2, got %d", active)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("wanted one delivery each, got a=%d b=%d", a.count(), b.count())
	}

	info := mux.DebugInfo()
	if len(info) != 2 || info[1].Name != "slow" || info[1].State != realtime.StateOpening {
		t.Fatalf("wanted slow channel opening, got %+v", info)
	}

	// A second subscriber of the same name waits for the open and gives up
	// with its context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mux.Subscribe(ctx, "slow", []realtime.SubscriptionConfig{events}, func(realtime.Payload) {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("wanted context.DeadlineExceeded, got %v", err)
	}

	close(p.release)
	r := <-res
	if r.err != nil {
		t.Fatalf("slow Subscribe: %v", r.err)
	}
	defer r.unsub()

	publish(t, stream, change("events", realtime.EventInsert))
	if slow.count() != 1 {
		t.Errorf("slow: wanted 1 delivery, got %d", slow.count())
	}
	info = mux.DebugInfo()
	if s := info[1]; s.RefCount != 1 || s.State != realtime.StateOpen {
		t.Errorf("slow channel: got %+v", s)
	}
}

func TestCleanupDuringOpen(t *testing.T) {
	stream := changestream.NewInMemory()
	p := newGatedProvider(stream, "slow")
	mux := realtime.New(p, quiet)

	res := subscribeAsync(t, mux, p, func(realtime.Payload) {})
	if err := mux.Cleanup(); err != nil {
		t.Fatal(err)
	}
	close(p.release)

	r := <-res
	if !errors.Is(r.err, realtime.ErrChannelClosed) {
		t.Fatalf("wanted ErrChannelClosed, got %v", r.err)
	}
	if got := mux.ActiveChannelCount(); got != 0 {
		t.Errorf("ActiveChannelCount: wanted 0, got %d", got)
	}
	if want := (changestream.Stats{Opened: 1, Closed: 1}); stream.Stats() != want {
		t.Errorf("Stats: wanted %+v, got %+v", want, stream.Stats())
	}
}
