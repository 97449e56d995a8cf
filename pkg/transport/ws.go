package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WebSocketTransport serves the optional multi-client transport SPEC_FULL
// §1's -listen flag enables. Each connection gets its own line-oriented
// JSON-RPC session — framed as whole WebSocket text messages rather than
// newline-delimited bytes, since the WebSocket message boundary already
// carries that information — concurrent with every other connection and
// every other in-flight call on the same connection.
type WebSocketTransport struct {
	addr     string
	log      zerolog.Logger
	upgrader websocket.Upgrader

	server *http.Server
	wg     sync.WaitGroup
}

// NewWebSocketTransport builds a transport that will listen on addr
// (host:port) once Serve is called.
func NewWebSocketTransport(addr string, log zerolog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		addr: addr,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Multi-client sharing is an operator-opted-in local/trusted
			// deployment per spec; origin checking is left to a reverse
			// proxy in front of this listener.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Serve listens until ctx is canceled, dispatching every decoded request
// to d. It blocks until the listener and all open connections have shut
// down.
func (t *WebSocketTransport) Serve(ctx context.Context, d Dispatcher) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		t.handleConn(ctx, d, w, r)
	})
	t.server = &http.Server{Addr: t.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.server.Shutdown(shutdownCtx); err != nil {
		t.log.Warn().Err(err).Msg("websocket transport: shutdown")
	}
	t.wg.Wait()
	return <-errCh
}

func (t *WebSocketTransport) handleConn(ctx context.Context, d Dispatcher, w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn().Err(err).Msg("websocket transport: upgrade failed")
		return
	}
	t.wg.Add(1)
	defer t.wg.Done()
	defer conn.Close()

	// http.Server.Shutdown does not close hijacked connections; close this
	// one when ctx ends so the read loop below returns and Serve's wait on
	// open connections finishes.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	var writeM sync.Mutex
	var reqWG sync.WaitGroup
	defer reqWG.Wait()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		reqWG.Add(1)
		go func(data []byte) {
			defer reqWG.Done()
			var req Request
			var resp Response
			if err := json.Unmarshal(data, &req); err != nil {
				resp = Response{JSONRPC: Version, Error: &Error{Code: -32700, Message: "parse error: " + err.Error()}}
			} else {
				resp = HandleRequest(ctx, d, req)
			}

			body, err := json.Marshal(resp)
			if err != nil {
				t.log.Error().Err(err).Msg("websocket transport: marshal response failed")
				return
			}
			writeM.Lock()
			defer writeM.Unlock()
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				t.log.Warn().Err(err).Msg("websocket transport: write failed")
			}
		}(data)
	}
}
