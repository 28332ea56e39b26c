package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"textbridge/internal/logging"
	"textbridge/internal/protocol"
)

// Hub broadcasts push messages to every connected event stream. Pushes are
// emitted independently of whether anyone is connected; with no listeners
// they are simply dropped, which is the push path's at-most-once contract.
type Hub struct {
	mu      sync.Mutex
	streams map[int]chan protocol.Message
	nextID  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[int]chan protocol.Message)}
}

// Push fans msg out to all connected streams. A slow stream drops the
// message rather than blocking the dispatcher.
func (h *Hub) Push(msg protocol.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.streams {
		select {
		case ch <- msg:
		default:
			logging.DispatchWarn("Push stream %d is stalled, dropping message %s", id, msg.CorrelationID)
		}
	}
	return nil
}

// add registers a new stream and returns its channel and removal func.
func (h *Hub) add() (<-chan protocol.Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan protocol.Message, 16)
	h.streams[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.streams, id)
	}
}

// Listeners returns the number of connected streams.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}

var _ Pusher = (*Hub)(nil)

// Server exposes the dispatcher over HTTP: POST /send for requests with
// direct replies, GET /events for the server-sent-events push stream.
type Server struct {
	dispatcher *Dispatcher
	hub        *Hub
	mux        *http.ServeMux
}

// NewServer wires a dispatcher and hub into an http.Handler.
func NewServer(d *Dispatcher, hub *Hub) *Server {
	s := &Server{dispatcher: d, hub: hub, mux: http.NewServeMux()}
	s.mux.HandleFunc("/send", s.handleSend)
	s.mux.HandleFunc("/events", s.handleEvents)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg protocol.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, fmt.Sprintf("malformed request: %v", err), http.StatusBadRequest)
		return
	}

	// The request context dies with the connection, but a torn-down reply
	// path must not cancel the work: the push still has to carry the real
	// outcome. Run the handler on a detached context so only the reply is
	// best-effort.
	reply := s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), msg)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		logging.DispatchWarn("Failed to write reply for %s: %v", msg.CorrelationID, err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	stream, remove := s.hub.add()
	defer remove()
	logging.Dispatch("Push stream connected (%d active)", s.hub.Listeners())

	for {
		select {
		case <-r.Context().Done():
			logging.Dispatch("Push stream disconnected")
			return
		case msg := <-stream:
			data, err := json.Marshal(msg)
			if err != nil {
				logging.DispatchWarn("Failed to marshal push %s: %v", msg.CorrelationID, err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
