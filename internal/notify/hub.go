// Package notify fans accepted webhook events out to external renderers over
// websocket connections.
package notify

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/labelrelay/internal/logging"
	"github.com/agentworkforce/labelrelay/internal/webhook"
)

const (
	defaultBuffer       = 64
	defaultWriteTimeout = 5 * time.Second
)

type Options struct {
	// Buffer is the number of events queued per subscriber before it is
	// disconnected as too slow.
	Buffer         int
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         *log.Logger
}

// Hub implements webhook.Notifier. Notify never blocks on a subscriber.
type Hub struct {
	buffer       int
	writeTimeout time.Duration
	accept       *websocket.AcceptOptions
	logger       *log.Logger

	mu          sync.Mutex
	closed      bool
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	events chan webhook.Event
	kinds  map[webhook.Kind]struct{}
	status websocket.StatusCode
	reason string
}

func (s *subscriber) wants(kind webhook.Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func NewHub(opts Options) *Hub {
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Hub{
		buffer:       buffer,
		writeTimeout: writeTimeout,
		accept:       &websocket.AcceptOptions{OriginPatterns: opts.OriginPatterns},
		logger:       logging.Component(opts.Logger, "notify"),
		subscribers:  map[*subscriber]struct{}{},
	}
}

func (h *Hub) Notify(ctx context.Context, event webhook.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.dropLocked(sub, websocket.StatusPolicyViolation, "subscriber too slow")
			h.logger.Warn("disconnecting slow subscriber", "buffer", h.buffer)
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams events until either side
// closes. The optional types query parameter filters by entity kind, e.g.
// ?types=Issue,Comment.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sub := &subscriber{
		events: make(chan webhook.Event, h.buffer),
		kinds:  parseKinds(r.URL.Query().Get("types")),
	}
	conn, err := websocket.Accept(w, r, h.accept)
	if err != nil {
		h.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	if !h.subscribe(sub) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.unsubscribe(sub)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case event, ok := <-sub.events:
			if !ok {
				conn.Close(sub.status, sub.reason)
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				h.logger.Debug("subscriber write failed", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subscribers {
		h.dropLocked(sub, websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) subscribe(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subscribers[sub] = struct{}{}
	return true
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscribers, sub)
}

// dropLocked closes the subscriber's queue; its handler then sends the close
// frame. The map entry is the single owner of the channel.
func (h *Hub) dropLocked(sub *subscriber, status websocket.StatusCode, reason string) {
	if _, ok := h.subscribers[sub]; !ok {
		return
	}
	delete(h.subscribers, sub)
	sub.status = status
	sub.reason = reason
	close(sub.events)
}

func parseKinds(raw string) map[webhook.Kind]struct{} {
	kinds := map[webhook.Kind]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			kinds[webhook.Kind(part)] = struct{}{}
		}
	}
	return kinds
}
