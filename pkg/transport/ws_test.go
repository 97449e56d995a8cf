package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/pkg/transport"
)

// wsTestAddr is a fixed high port unlikely to collide with anything else
// running on the test host; WebSocketTransport.Serve binds http.Server's
// Addr directly and does not expose the OS-assigned port from ":0".
const wsTestAddr = "127.0.0.1:18391"

func TestWebSocketTransportServesToolCallsOverWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := &stubDispatcher{
		tools: []string{"store_memory"},
		callFn: func(ctx context.Context, tool string, args []byte) ([]byte, error) {
			return []byte(`{"id":"m1"}`), nil
		},
	}
	ws := transport.NewWebSocketTransport(wsTestAddr, zerolog.Nop())

	serveDone := make(chan error, 1)
	go func() { serveDone <- ws.Serve(ctx, d) }()

	var conn *websocket.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", wsTestAddr), nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond, "websocket server did not come up in time")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":"1","method":"store_memory","params":{}}`)))

	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp transport.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"id":"m1"}`, string(resp.Result))

	cancel()
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after ctx cancellation")
	}
}

func TestWebSocketTransportReturnsParseErrorForMalformedFrame(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr := "127.0.0.1:18392"
	d := &stubDispatcher{tools: []string{}}
	ws := transport.NewWebSocketTransport(addr, zerolog.Nop())

	serveDone := make(chan error, 1)
	go func() { serveDone <- ws.Serve(ctx, d) }()

	var conn *websocket.Conn
	var err error
	require.Eventually(t, func() bool {
		conn, _, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/", addr), nil)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var resp transport.Response
	require.NoError(t, json.Unmarshal(body, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)

	cancel()
	<-serveDone
}
