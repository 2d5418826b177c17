package changestream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erlorenz/rtmux/realtime"
)

// Phoenix channel events used by Supabase-compatible realtime servers.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	topicPhoenix   = "phoenix"
	topicPrefix    = "realtime:"
	queueSize      = 1024
)

// phxMessage is a Phoenix protocol frame (JSON serializer, vsn 1.0.0).
type phxMessage struct {
	JoinRef string          `json:"join_ref,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type joinConfig struct {
	Broadcast       map[string]bool `json:"broadcast"`
	Presence        map[string]any  `json:"presence"`
	PostgresChanges []changeFilter  `json:"postgres_changes"`
	Private         bool            `json:"private"`
}

type changeFilter struct {
	ID     int64  `json:"id,omitempty"`
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type replyPayload struct {
	Status   string `json:"status"`
	Response struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
		Reason          string         `json:"reason"`
	} `json:"response"`
}

type changesPayload struct {
	IDs  []int64      `json:"ids"`
	Data changeRecord `json:"data"`
}

// Socket is a client for a Supabase-compatible realtime websocket server.
//
// Listeners are sent to the server when a channel joins, so channels do not
// accept listeners after Subscribe; the multiplexer reopens them instead.
type Socket struct {
	conn *websocket.Conn
	opts options

	writeMu sync.Mutex

	mu      sync.Mutex
	ref     uint64
	topics  map[string]*socketChannel
	pending map[string]chan replyPayload

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type socketChannel struct {
	socket *Socket
	name   string
	topic  string

	mu         sync.Mutex
	bindings   []binding
	joinRef    string
	joined     bool
	closed     bool
	superseded bool

	queue chan changesPayload
	stop  chan struct{}
}

// DialSocket connects to the realtime endpoint at rawURL, for example
// "wss://project.example.com/realtime/v1/websocket".
func DialSocket(ctx context.Context, rawURL string, opts ...Option) (*Socket, error) {
	o := newOptions(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("vsn", "1.0.0")
	if o.apiKey != "" {
		q.Set("apikey", o.apiKey)
	}
	u.RawQuery = q.Encode()

	conn, _, err := o.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	s := &Socket{
		conn:    conn,
		opts:    o,
		topics:  make(map[string]*socketChannel),
		pending: make(map[string]chan replyPayload),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

// Open implements realtime.Provider.
func (s *Socket) Open(ctx context.Context, name string) (realtime.Channel, error) {
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	return &socketChannel{
		socket: s,
		name:   name,
		topic:  topicPrefix + name,
		queue:  make(chan changesPayload, queueSize),
		stop:   make(chan struct{}),
	}, nil
}

// Err returns the error that terminated the connection, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the connection.
func (s *Socket) Close() error {
	if !s.shutdown(ErrClosed) {
		return ErrClosed
	}
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

// shutdown records err and reports whether this call closed the socket.
func (s *Socket) shutdown(err error) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		closed = true
	})
	return closed
}

func (s *Socket) nextRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

func (s *Socket) send(msg phxMessage) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if msg.Payload == nil {
		msg.Payload = json.RawMessage("{}")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(s.opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			err := s.send(phxMessage{Topic: topicPhoenix, Event: eventHeartbeat, Ref: s.nextRef()})
			if err != nil && !errors.Is(err, ErrClosed) {
				s.opts.logger.Error("changestream: heartbeat failed", "error", err)
				s.shutdown(err)
				s.conn.Close()
				return
			}
		}
	}
}

func (s *Socket) readLoop() {
	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if s.shutdown(err) {
				s.opts.logger.Error("changestream: socket read failed", "error", err)
			}
			return
		}
		s.route(msg)
	}
}

func (s *Socket) route(msg phxMessage) {
	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			s.opts.logger.Error("changestream: decode reply", "topic", msg.Topic, "error", err)
			return
		}
		s.mu.Lock()
		waiter, ok := s.pending[msg.Ref]
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
		if ok {
			waiter <- reply
		}

	case realtime.EventKind:
		var changes changesPayload
		if err := json.Unmarshal(msg.Payload, &changes); err != nil {
			s.opts.logger.Error("changestream: decode change", "topic", msg.Topic, "error", err)
			return
		}
		if ch := s.channel(msg.Topic, msg.JoinRef); ch != nil {
			ch.enqueue(changes)
		}

	case eventError, eventClose:
		s.opts.logger.Warn("changestream: channel event", "topic", msg.Topic, "event", msg.Event)
	}
}

// channel returns the live channel for topic. Messages tagged with the
// join ref of a superseded join are dropped.
func (s *Socket) channel(topic, joinRef string) *socketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.topics[topic]
	if ch == nil {
		return nil
	}
	if joinRef != "" && joinRef != ch.ref() {
		return nil
	}
	return ch
}

// On implements realtime.Channel.
func (c *socketChannel) On(cfg realtime.SubscriptionConfig, h realtime.Handler) error {
	b, err := newBinding(cfg, h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.joined {
		return realtime.ErrLiveAttachUnsupported
	}
	c.bindings = append(c.bindings, b)
	return nil
}

// LiveAttach implements realtime.LiveAttacher.
func (c *socketChannel) LiveAttach() bool { return false }

func (c *socketChannel) ref() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinRef
}

// Subscribe joins the topic with the attached listeners and waits for the
// server to acknowledge them.
func (c *socketChannel) Subscribe(ctx context.Context) error {
	s := c.socket
	ref := s.nextRef()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	filters := make([]changeFilter, len(c.bindings))
	for i, b := range c.bindings {
		filters[i] = changeFilter{
			Event:  string(b.cfg.Event),
			Schema: b.cfg.Schema,
			Table:  b.cfg.Table,
			Filter: b.cfg.Filter,
		}
	}
	c.joinRef = ref
	c.mu.Unlock()

	payload, err := json.Marshal(joinPayload{
		Config: joinConfig{
			Broadcast:       map[string]bool{"ack": false, "self": false},
			Presence:        map[string]any{"key": ""},
			PostgresChanges: filters,
		},
		AccessToken: s.opts.accessToken,
	})
	if err != nil {
		return fmt.Errorf("encode join: %w", err)
	}

	waiter := make(chan replyPayload, 1)
	s.mu.Lock()
	s.pending[ref] = waiter
	if prev := s.topics[c.topic]; prev != nil && prev != c {
		prev.supersede()
	}
	s.topics[c.topic] = c
	s.mu.Unlock()

	err = s.send(phxMessage{JoinRef: ref, Ref: ref, Topic: c.topic, Event: eventJoin, Payload: payload})
	if err != nil {
		c.forget(ref)
		return fmt.Errorf("join %s: %w", c.topic, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.joinTimeout)
	defer cancel()

	var reply replyPayload
	select {
	case reply = <-waiter:
	case <-ctx.Done():
		c.forget(ref)
		return fmt.Errorf("join %s: %w", c.topic, ctx.Err())
	case <-s.done:
		c.forget(ref)
		return ErrClosed
	}

	if reply.Status != "ok" {
		c.forget(ref)
		return fmt.Errorf("join %s: %s %s", c.topic, reply.Status, reply.Response.Reason)
	}
	if err := c.assignIDs(reply.Response.PostgresChanges); err != nil {
		c.forget(ref)
		return err
	}

	go c.worker()
	return nil
}

// assignIDs stores the server ids of the bindings. The server answers in
// join order and must echo every binding.
func (c *socketChannel) assignIDs(server []changeFilter) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(server) != len(c.bindings) {
		return fmt.Errorf("join %s: server acknowledged %d of %d listeners", c.topic, len(server), len(c.bindings))
	}
	for i, sf := range server {
		b := c.bindings[i].cfg
		if sf.Schema != b.Schema || sf.Table != b.Table || sf.Filter != b.Filter || realtime.EventType(sf.Event) != b.Event {
			return fmt.Errorf("join %s: mismatch between server and client listeners", c.topic)
		}
		c.bindings[i].serverID = sf.ID
	}
	c.joined = true
	return nil
}

// forget drops the pending reply and the topic registration of a failed
// join.
func (c *socketChannel) forget(ref string) {
	s := c.socket
	s.mu.Lock()
	delete(s.pending, ref)
	if s.topics[c.topic] == c {
		delete(s.topics, c.topic)
	}
	s.mu.Unlock()
}

func (c *socketChannel) supersede() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.superseded = true
}

func (c *socketChannel) enqueue(changes changesPayload) {
	select {
	case c.queue <- changes:
	case <-c.stop:
	case <-c.socket.done:
	}
}

// worker delivers changes in arrival order outside the read loop.
func (c *socketChannel) worker() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.socket.done:
			return
		case changes := <-c.queue:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			bindings := append([]binding(nil), c.bindings...)
			c.mu.Unlock()
			deliverChanges(bindings, changes)
		}
	}
}

// deliverChanges routes by server id when the server sent ids, otherwise by
// matching the change itself.
func deliverChanges(bindings []binding, changes changesPayload) {
	p := changes.Data.payload()
	if len(changes.IDs) == 0 {
		deliver(bindings, p)
		return
	}
	for _, b := range bindings {
		for _, id := range changes.IDs {
			if b.serverID == id {
				b.handler(p)
				break
			}
		}
	}
}

// Close implements realtime.Channel. It leaves the topic unless a newer
// join for the same topic replaced this channel.
func (c *socketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	joined := c.joined
	c.bindings = nil
	close(c.stop)
	c.mu.Unlock()

	s := c.socket
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[c.topic] == c {
		delete(s.topics, c.topic)
	}
	// A join for the topic registers under s.mu before it is sent, so the
	// leave below cannot overtake it.
	c.mu.Lock()
	superseded := c.superseded
	c.mu.Unlock()

	if !joined || superseded {
		return nil
	}
	s.ref++
	err := s.send(phxMessage{Ref: strconv.FormatUint(s.ref, 10), Topic: c.topic, Event: eventLeave})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}
