package feed

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/observability"
)

// HubConfig configures a Hub.
type HubConfig struct {
	// SendBuffer is the per-subscriber queue length. A subscriber whose
	// queue is full when a message arrives is disconnected.
	SendBuffer int
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout bounds the wait for a pong or client frame.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendBuffer:   256,
		PingInterval: 30 * time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Hub fans committed transitions out to websocket subscribers.
// It implements journal.Publisher and http.Handler.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader
	metrics  *observability.Metrics
	logger   *log.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	conn    *websocket.Conn
	send    chan []byte
	account string // base58 filter, empty for all
}

// NewHub creates a hub. Zero fields in config take defaults.
func NewHub(config HubConfig) *Hub {
	def := DefaultHubConfig()
	if config.SendBuffer <= 0 {
		config.SendBuffer = def.SendBuffer
	}
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = observability.DefaultMetrics
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Subscribers are read-only; any origin may watch the public feed.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger,
		subs:    make(map[*subscriber]struct{}),
	}
}

// Publish queues t for every matching subscriber without blocking.
func (h *Hub) Publish(t *domain.Transition) {
	msg := NewMessage(t)
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Printf("Marshal transition %d: %v", t.Sequence, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		if !msg.matches(s.account) {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.logger.Printf("Dropping slow subscriber (filter %q) at sequence %d", s.account, t.Sequence)
			h.metrics.FeedMessagesDropped.Inc()
			h.removeLocked(s)
		}
	}
}

// ServeHTTP upgrades the request to a websocket subscription.
// The optional "account" query parameter restricts the stream to
// transitions touching that account.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var account string
	if raw := r.URL.Query().Get("account"); raw != "" {
		a, err := address.Parse(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		account = a.String()
	}

	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	s := &subscriber{
		conn:    conn,
		send:    make(chan []byte, h.config.SendBuffer),
		account: account,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[s] = struct{}{}
	h.metrics.FeedSubscribers.Inc()
	h.mu.Unlock()

	go h.writeLoop(s)
	go h.readLoop(s)
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
}

// removeLocked unregisters s and closes its queue; writeLoop then closes the socket.
func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
	h.metrics.FeedSubscribers.Dec()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(s)
}

// writeLoop is the only writer on s.conn.
func (h *Hub) writeLoop(s *subscriber) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.remove(s)
				return
			}
			h.metrics.FeedMessagesSent.Inc()

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(s *subscriber) {
	s.conn.SetReadLimit(512)
	s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.remove(s)
			return
		}
	}
}
