package feed

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
	"token-ledger/internal/observability"
)

func acct(n byte) address.Address {
	var a address.Address
	a[0] = n
	a[31] = 0x33
	return a
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics("test", prometheus.NewRegistry())
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func transfer(seq uint64, from, to address.Address, amount uint64) *domain.Transition {
	return &domain.Transition{
		Sequence:    seq,
		ID:          "id",
		Kind:        domain.TransitionTransfer,
		Caller:      from,
		From:        from,
		To:          to,
		Amount:      uint256.NewInt(amount),
		FromBalance: uint256.NewInt(0),
		ToBalance:   uint256.MustFromDecimal("21000000000000000000000000"),
		Timestamp:   1704067200000,
	}
}

func newHubServer(t *testing.T, cfg HubConfig) (*Hub, string) {
	t.Helper()
	cfg.Metrics = testMetrics()
	cfg.Logger = quietLogger()
	hub := NewHub(cfg)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialRaw(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestMessage_RoundTrip(t *testing.T) {
	tr := transfer(7, acct(1), acct(2), 42)
	msg := NewMessage(tr)

	assert.Equal(t, "42", msg.Amount)
	require.NotNil(t, msg.ToBalance)
	assert.Equal(t, "21000000000000000000000000", *msg.ToBalance)
	assert.Nil(t, msg.Allowance)

	back, err := msg.Transition()
	require.NoError(t, err)
	assert.Equal(t, tr.From, back.From)
	assert.True(t, tr.ToBalance.Eq(back.ToBalance))
	assert.Nil(t, back.Allowance)
}

func TestMessage_TransitionRejectsGarbage(t *testing.T) {
	msg := NewMessage(transfer(1, acct(1), acct(2), 1))
	msg.Kind = "MINT"
	_, err := msg.Transition()
	assert.Error(t, err)

	msg = NewMessage(transfer(1, acct(1), acct(2), 1))
	msg.Amount = "-1"
	_, err = msg.Transition()
	assert.Error(t, err)
}

func TestHub_BroadcastWithFilter(t *testing.T) {
	hub, url := newHubServer(t, HubConfig{})

	all := dialRaw(t, url)
	onlyThree := dialRaw(t, url+"?account="+acct(3).String())
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 5*time.Millisecond)

	hub.Publish(transfer(1, acct(1), acct(2), 10))
	hub.Publish(transfer(2, acct(2), acct(3), 5))

	var got Message
	all.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, uint64(1), got.Sequence)
	require.NoError(t, all.ReadJSON(&got))
	assert.Equal(t, uint64(2), got.Sequence)

	onlyThree.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, onlyThree.ReadJSON(&got))
	assert.Equal(t, uint64(2), got.Sequence)
	assert.Equal(t, acct(3).String(), got.To)
}

func TestHub_RejectsBadFilter(t *testing.T) {
	_, url := newHubServer(t, HubConfig{})

	_, resp, err := websocket.DefaultDialer.Dial(url+"?account=not-base58-0OIl", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	metrics := testMetrics()
	hub := NewHub(HubConfig{SendBuffer: 1, Metrics: metrics, Logger: quietLogger()})

	// A subscriber with no writer drains nothing.
	stuck := &subscriber{send: make(chan []byte, 1)}
	hub.mu.Lock()
	hub.subs[stuck] = struct{}{}
	hub.mu.Unlock()

	hub.Publish(transfer(1, acct(1), acct(2), 1))
	assert.Equal(t, 1, hub.Subscribers())

	done := make(chan struct{})
	go func() {
		hub.Publish(transfer(2, acct(1), acct(2), 1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	assert.Equal(t, 0, hub.Subscribers())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FeedMessagesDropped))

	// The queued message is still readable, then the queue is closed.
	_, ok := <-stuck.send
	assert.True(t, ok)
	_, ok = <-stuck.send
	assert.False(t, ok)
}

func TestHub_Close(t *testing.T) {
	hub, url := newHubServer(t, HubConfig{})

	conn := dialRaw(t, url)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.Equal(t, 0, hub.Subscribers())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestClient_ReceivesMessages(t *testing.T) {
	hub, url := newHubServer(t, HubConfig{})

	client, err := Dial(context.Background(), url, &ClientConfig{Metrics: testMetrics(), Logger: quietLogger()})
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(transfer(1, acct(1), acct(2), 3))

	select {
	case msg := <-client.Messages():
		assert.Equal(t, uint64(1), msg.Sequence)
		assert.Equal(t, "3", msg.Amount)
	case <-time.After(time.Second):
		t.Fatal("no message received")
	}
}

func TestClient_Reconnects(t *testing.T) {
	hub, url := newHubServer(t, HubConfig{})

	client, err := Dial(context.Background(), url, &ClientConfig{
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		Metrics:           testMetrics(),
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer client.Close()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	// Kick the subscriber server-side; the client must come back.
	hub.mu.Lock()
	for s := range hub.subs {
		hub.removeLocked(s)
	}
	hub.mu.Unlock()

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(transfer(5, acct(1), acct(2), 1))
	select {
	case msg := <-client.Messages():
		assert.Equal(t, uint64(5), msg.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no message after reconnect")
	}
}

func TestClient_CloseClosesChannel(t *testing.T) {
	_, url := newHubServer(t, HubConfig{})

	client, err := Dial(context.Background(), url, &ClientConfig{Metrics: testMetrics(), Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, ok := <-client.Messages()
	assert.False(t, ok)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/feed", nil)
	assert.Error(t, err)
}
