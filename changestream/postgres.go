package changestream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/erlorenz/rtmux/realtime"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Postgres is a change stream backed by PostgreSQL LISTEN/NOTIFY.
//
// Row changes are published by a trigger (see InstallTrigger) as JSON on a
// single notify channel. One dedicated pooled connection listens on it for
// every started physical channel, and each notification is matched against
// the listeners of each channel, so listeners can be attached at any time.
// The connection is acquired by the first Subscribe and given up when the
// last started channel closes.
type Postgres struct {
	pool *pgxpool.Pool
	opts options

	mu       sync.RWMutex
	channels map[*pgChannel]struct{}
	closed   bool

	// listenMu serializes starting and stopping the listen loop.
	listenMu sync.Mutex
	cancel   context.CancelFunc
}

type pgChannel struct {
	provider *Postgres
	name     string

	mu       sync.RWMutex
	bindings []binding
	started  bool
	closed   bool
}

// NewPostgres creates a Postgres change stream using the provided pool.
// The pool must remain open for the lifetime of the provider.
func NewPostgres(pool *pgxpool.Pool, opts ...Option) *Postgres {
	return &Postgres{
		pool:     pool,
		opts:     newOptions(opts),
		channels: make(map[*pgChannel]struct{}),
	}
}

// Open implements realtime.Provider. The channel receives notifications
// once it is subscribed.
func (p *Postgres) Open(ctx context.Context, name string) (realtime.Channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}
	return &pgChannel{provider: p, name: name}, nil
}

// Publish emits p on the notify channel with pg_notify.
func (p *Postgres) Publish(ctx context.Context, payload realtime.Payload) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(recordFromPayload(payload))
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	if len(data) > maxNotifyPayload {
		return ErrPayloadTooLarge
	}

	_, err = p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", p.opts.notifyChannel, string(data))
	return err
}

// InstallTrigger creates the notify function and an AFTER INSERT, UPDATE
// or DELETE row trigger on schema.table. It is safe to call repeatedly.
func (p *Postgres) InstallTrigger(ctx context.Context, schema, table string) error {
	if schema == "" {
		schema = realtime.DefaultSchema
	}
	if _, err := p.pool.Exec(ctx, notifyFunctionSQL); err != nil {
		return fmt.Errorf("create notify function: %w", err)
	}

	trigger := pgx.Identifier{"realtime_" + table}.Sanitize()
	target := pgx.Identifier{schema, table}.Sanitize()
	sql := fmt.Sprintf(
		`CREATE OR REPLACE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION realtime_notify_change(%s)`,
		trigger, target, quoteLiteral(p.opts.notifyChannel),
	)
	if _, err := p.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("create trigger on %s.%s: %w", schema, table, err)
	}
	return nil
}

const notifyFunctionSQL = `
CREATE OR REPLACE FUNCTION realtime_notify_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(TG_ARGV[0], jsonb_build_object(
		'schema', TG_TABLE_SCHEMA,
		'table', TG_TABLE_NAME,
		'type', TG_OP,
		'commit_timestamp', to_char(now() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"'),
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Close closes every channel, stops listening and rejects further use.
func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	channels := p.channels
	p.channels = make(map[*pgChannel]struct{})
	p.mu.Unlock()

	for ch := range channels {
		ch.Close()
	}
	p.stopIfIdle()
	return nil
}

// start adds c to the channels notifications fan out to, starting the
// listen loop when c is the first.
func (p *Postgres) start(ctx context.Context, c *pgChannel) error {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if p.cancel == nil {
		conn, err := p.connect(ctx)
		if err != nil {
			return err
		}
		listenCtx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		go p.run(listenCtx, conn)
	}

	p.mu.Lock()
	closed = p.closed
	if !closed {
		p.channels[c] = struct{}{}
	}
	idle := len(p.channels) == 0
	p.mu.Unlock()

	if closed {
		if idle && p.cancel != nil {
			p.cancel()
			p.cancel = nil
		}
		return ErrClosed
	}
	return nil
}

// remove drops c from the fan-out set and stops listening when no started
// channel is left.
func (p *Postgres) remove(c *pgChannel) {
	p.mu.Lock()
	delete(p.channels, c)
	p.mu.Unlock()
	p.stopIfIdle()
}

func (p *Postgres) stopIfIdle() {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()

	p.mu.RLock()
	idle := len(p.channels) == 0
	p.mu.RUnlock()
	if idle && p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

// On implements realtime.Channel.
func (c *pgChannel) On(cfg realtime.SubscriptionConfig, h realtime.Handler) error {
	b, err := newBinding(cfg, h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.bindings = append(c.bindings, b)
	return nil
}

// LiveAttach implements realtime.LiveAttacher.
func (c *pgChannel) LiveAttach() bool { return true }

// Subscribe implements realtime.Channel. Only the first channel of the
// provider waits for the LISTEN connection; later ones join it.
func (c *pgChannel) Subscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.provider.start(ctx, c); err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	// Close may have run while the connection was being set up.
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		c.provider.remove(c)
		return ErrClosed
	}
	return nil
}

// Close implements realtime.Channel. No listener is called once Close
// returns.
func (c *pgChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.bindings = nil
	started := c.started
	c.mu.Unlock()

	if started {
		c.provider.remove(c)
	}
	return nil
}

func (c *pgChannel) deliver(p realtime.Payload) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return
	}
	bindings := append([]binding(nil), c.bindings...)
	c.mu.RUnlock()

	deliver(bindings, p)
}

// connect acquires a connection and starts LISTEN on it.
func (p *Postgres) connect(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	listen := "LISTEN " + pgx.Identifier{p.opts.notifyChannel}.Sanitize()
	if _, err := conn.Exec(ctx, listen); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", p.opts.notifyChannel, err)
	}
	return conn, nil
}

// run waits for notifications until ctx is canceled, reconnecting with
// backoff when the connection fails.
func (p *Postgres) run(ctx context.Context, conn *pgxpool.Conn) {
	logger := p.opts.logger.With("notify_channel", p.opts.notifyChannel)

	for {
		err := p.listen(ctx, conn, logger)
		// A listening connection must not go back to the pool.
		conn.Conn().Close(context.Background())
		conn.Release()
		if ctx.Err() != nil {
			return
		}

		logger.Error("changestream: listen failed, reconnecting", "error", err)

		conn = p.reconnect(ctx, logger)
		if conn == nil {
			return
		}
	}
}

func (p *Postgres) reconnect(ctx context.Context, logger *slog.Logger) *pgxpool.Conn {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := p.connect(ctx)
		if err == nil {
			return conn
		}
		logger.Error("changestream: reconnect failed", "error", err, "backoff", backoff)
		backoff = min(backoff*2, maxBackoff)
	}
}

func (p *Postgres) listen(ctx context.Context, conn *pgxpool.Conn, logger *slog.Logger) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		if err := p.handle([]byte(n.Payload)); err != nil {
			logger.Error("changestream: decode notification", "error", err)
		}
	}
}

// handle decodes one notification and fans it out to every started
// channel.
func (p *Postgres) handle(data []byte) error {
	var rec changeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	payload := rec.payload()

	p.mu.RLock()
	channels := make([]*pgChannel, 0, len(p.channels))
	for c := range p.channels {
		channels = append(channels, c)
	}
	p.mu.RUnlock()

	for _, c := range channels {
		c.deliver(payload)
	}
	return nil
}
