package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// maxFrameBytes bounds a single request line, matching spec §6's 64 KiB
// payload ceiling (content above this is rejected rather than silently
// truncated by a fixed-size scanner buffer).
const maxFrameBytes = 64 * 1024

// StdioTransport reads newline-delimited JSON-RPC requests from in and
// writes newline-delimited responses to out, the default transport
// spec §6 describes. Each request is dispatched on its own goroutine so
// a slow tool call does not block the next request's read; a mutex
// around out keeps concurrent responses from interleaving mid-line.
type StdioTransport struct {
	in     io.Reader
	out    io.Writer
	log    zerolog.Logger
	writeM sync.Mutex
	wg     sync.WaitGroup
}

// NewStdioTransport builds a StdioTransport over the given reader/writer.
func NewStdioTransport(in io.Reader, out io.Writer, log zerolog.Logger) *StdioTransport {
	return &StdioTransport{in: in, out: out, log: log}
}

// Serve reads requests until in is exhausted, ctx is canceled, or a
// malformed frame exceeds maxFrameBytes. It blocks until every
// in-flight request has been dispatched and its response written, so a
// caller can Serve, then cancel ctx, then safely tear down the
// dispatcher behind it.
func (t *StdioTransport) Serve(ctx context.Context, d Dispatcher) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 4096), maxFrameBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Scanner's buffer is reused on the next Scan; copy before handing
		// the line to a goroutine.
		frame := make([]byte, len(line))
		copy(frame, line)

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleFrame(ctx, d, frame)
		}()
	}
	t.wg.Wait()

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdio transport: read: %w", err)
	}
	return nil
}

func (t *StdioTransport) handleFrame(ctx context.Context, d Dispatcher, frame []byte) {
	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		t.writeResponse(Response{
			JSONRPC: Version,
			Error: &Error{
				Code:    -32700,
				Message: "parse error: " + err.Error(),
			},
		})
		return
	}

	resp := HandleRequest(ctx, d, req)
	t.writeResponse(resp)
}

func (t *StdioTransport) writeResponse(resp Response) {
	body, err := json.Marshal(resp)
	if err != nil {
		t.log.Error().Err(err).Msg("stdio transport: marshal response failed")
		return
	}

	t.writeM.Lock()
	defer t.writeM.Unlock()
	if _, err := t.out.Write(body); err != nil {
		t.log.Error().Err(err).Msg("stdio transport: write failed")
		return
	}
	if _, err := t.out.Write([]byte("\n")); err != nil {
		t.log.Error().Err(err).Msg("stdio transport: write newline failed")
	}
}
