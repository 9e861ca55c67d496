package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"token-ledger/internal/observability"
)

// ClientConfig configures Client behavior.
type ClientConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout is timeout for reading messages. The hub pings well inside it.
	ReadTimeout time.Duration
	// HandshakeTimeout bounds each dial.
	HandshakeTimeout time.Duration
	// Buffer is the length of the Messages channel.
	Buffer int

	Metrics *observability.Metrics
	Logger  *log.Logger
}

// DefaultClientConfig returns default client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       90 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		Buffer:            1024,
	}
}

// Client subscribes to a Hub and reconnects with exponential backoff.
// Transitions committed while disconnected are not redelivered; a jump in
// sequence is logged.
type Client struct {
	endpoint string
	config   ClientConfig
	metrics  *observability.Metrics
	logger   *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	out     chan Message
	done    chan struct{}
	wg      sync.WaitGroup
	lastSeq atomic.Uint64
}

// Dial connects to endpoint (ws:// or wss://, optionally with ?account=).
func Dial(ctx context.Context, endpoint string, config *ClientConfig) (*Client, error) {
	cfg := DefaultClientConfig()
	if config != nil {
		cfg = *config
	}
	def := DefaultClientConfig()
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = def.ReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}

	c := &Client{
		endpoint: endpoint,
		config:   cfg,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		out:      make(chan Message, cfg.Buffer),
		done:     make(chan struct{}),
	}
	if c.metrics == nil {
		c.metrics = observability.DefaultMetrics
	}
	if c.logger == nil {
		c.logger = log.Default()
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Messages returns the stream of received transitions. It is closed by Close.
func (c *Client) Messages() <-chan Message {
	return c.out
}

// Close stops the client and closes the Messages channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	close(c.done)

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
	}
	c.connMu.Unlock()

	c.wg.Wait()
	close(c.out)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed.Load() {
		conn.Close()
		return fmt.Errorf("client closed")
	}
	c.conn = conn
	return nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for !c.closed.Load() {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.reconnect() {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.logger.Printf("Feed read failed, reconnecting: %v", err)
			c.connMu.Lock()
			if c.conn == conn {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("Discarding malformed feed message: %v", err)
			continue
		}
		if last := c.lastSeq.Load(); last != 0 && msg.Sequence > last+1 {
			c.logger.Printf("Feed gap: sequences %d..%d not received", last+1, msg.Sequence-1)
		}
		c.lastSeq.Store(msg.Sequence)

		select {
		case c.out <- msg:
		case <-c.done:
			return
		}
	}
}

// reconnect dials until it succeeds or the client closes, doubling the
// delay between attempts up to MaxReconnectDelay.
func (c *Client) reconnect() bool {
	delay := c.config.ReconnectDelay
	for {
		select {
		case <-c.done:
			return false
		case <-time.After(delay):
		}

		c.metrics.FeedReconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.HandshakeTimeout+time.Second)
		err := c.connect(ctx)
		cancel()
		if err == nil {
			c.logger.Printf("Feed reconnected to %s", c.endpoint)
			return true
		}
		if c.closed.Load() {
			return false
		}

		delay *= 2
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
	}
}
