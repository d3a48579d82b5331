package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/p2pboard/internal/cache/memory"
	"github.com/alanyoungcy/p2pboard/internal/domain"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestHubRelaysBoardUpdates(t *testing.T) {
	bus := memory.NewSignalBus()
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{Mode: "dashboard"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEnvelope(t, conn)
	assert.JSONEq(t, `"hello"`, string(hello["channel"]))

	// The hub may not be subscribed yet; publish until the client is done.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = bus.Publish(ctx, domain.ChannelBoardUpdates, []byte(`{"type":"board.refreshed","side":"sell"}`))
			}
		}
	}()

	msg := readEnvelope(t, conn)
	assert.JSONEq(t, `"board:updates"`, string(msg["channel"]))
	assert.JSONEq(t, `{"type":"board.refreshed","side":"sell"}`, string(msg["data"]))
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{domain.ChannelBoardUpdates: true}}

	assert.True(t, c.isSubscribed(domain.ChannelBoardUpdates))
	assert.False(t, c.isSubscribed(domain.ChannelOffersUpdated))

	c.handleSubscription(subscribeMsg{Action: "subscribe", Channels: []string{"offers:*"}})
	assert.True(t, c.isSubscribed(domain.ChannelOffersUpdated))

	c.handleSubscription(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelBoardUpdates}})
	assert.False(t, c.isSubscribed(domain.ChannelBoardUpdates))
}
