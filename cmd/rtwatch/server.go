package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/erlorenz/rtmux/changestream"
	"github.com/erlorenz/rtmux/realtime"
)

// eventBuffer is the number of changes queued per SSE client before
// changes are dropped.
const eventBuffer = 32

type server struct {
	mux       *realtime.Multiplexer
	memory    *changestream.InMemory
	logger    *slog.Logger
	keepAlive time.Duration
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /debug/channels", s.handleDebug)
	mux.HandleFunc("POST /publish", s.handlePublish)
	return mux
}

// handleEvents streams changes as Server-Sent Events for as long as the
// client stays connected.
//
//	GET /events?channel=team-1&table=events&event=INSERT&filter=team_id=eq.1
//
// table may be repeated to listen to several tables on the same channel.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")

	var configs []realtime.SubscriptionConfig
	for _, table := range q["table"] {
		configs = append(configs, realtime.SubscriptionConfig{
			Table:  table,
			Schema: q.Get("schema"),
			Event:  realtime.EventType(q.Get("event")),
			Filter: q.Get("filter"),
		})
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events := make(chan realtime.Payload, eventBuffer)
	binding := realtime.NewBinding(s.mux, func(p realtime.Payload) {
		select {
		case events <- p:
		default:
			s.logger.Warn("dropped change for slow client", "channel", channel, "table", p.Table)
		}
	})
	defer binding.Close()

	if err := binding.Update(r.Context(), channel, configs, true); err != nil {
		if errors.Is(err, realtime.ErrInvalidSubscription) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Error("subscribe", "channel", channel, "error", err)
		http.Error(w, "subscribe failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Info("client connected", "channel", channel, "remote", r.RemoteAddr)
	defer s.logger.Info("client disconnected", "channel", channel, "remote", r.RemoteAddr)

	ping := time.NewTicker(s.keepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case p := <-events:
			data, err := json.Marshal(p)
			if err != nil {
				s.logger.Error("encode change", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", realtime.EventKind, data)
			flusher.Flush()
		}
	}
}

type debugResponse struct {
	ActiveChannels int                    `json:"activeChannels"`
	Channels       []realtime.ChannelInfo `json:"channels"`
}

func (s *server) handleDebug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, debugResponse{
		ActiveChannels: s.mux.ActiveChannelCount(),
		Channels:       s.mux.DebugInfo(),
	})
}

// handlePublish injects a change into the in-memory stream.
func (s *server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		http.Error(w, errPublishUnsupported.Error(), http.StatusNotImplemented)
		return
	}

	var p realtime.Payload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&p); err != nil {
		http.Error(w, "invalid payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch p.EventType {
	case realtime.EventInsert, realtime.EventUpdate, realtime.EventDelete:
	default:
		http.Error(w, fmt.Sprintf("invalid eventType %q", p.EventType), http.StatusBadRequest)
		return
	}
	if p.Table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}
	if p.CommitTimestamp.IsZero() {
		p.CommitTimestamp = time.Now().UTC()
	}

	if err := s.memory.Publish(r.Context(), p); err != nil {
		s.logger.Error("publish", "error", err)
		http.Error(w, "publish failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
