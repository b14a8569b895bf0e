package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/fieldgrid/internal/kernel"
	"github.com/vk/fieldgrid/internal/sched"
)

// Remote is a node child reached over the wire. Step and Reset travel on the
// control connection; probes and deliveries on their own connection, mirroring
// the local supervisor's always-live service channel.
type Remote struct {
	name  string
	ctrl  *wsConn
	probe *wsConn
}

// Dial connects to a transport server. baseURL is the ws:// address of the
// server's mux, e.g. "ws://worker1:9310".
func Dial(ctx context.Context, baseURL, name string) (*Remote, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	ctrl, err := dialConn(ctx, baseURL+"/ctrl")
	if err != nil {
		return nil, fmt.Errorf("dial node %q: %w", name, err)
	}
	probe, err := dialConn(ctx, baseURL+"/probe")
	if err != nil {
		ctrl.close()
		return nil, fmt.Errorf("dial node %q: %w", name, err)
	}
	return &Remote{name: name, ctrl: ctrl, probe: probe}, nil
}

var _ sched.NodeChild = (*Remote)(nil)

func (r *Remote) Name() string { return r.name }

func (r *Remote) Step(ctx context.Context) error {
	_, err := r.ctrl.roundTrip(ctx, frame{Type: frameStep})
	return err
}

func (r *Remote) Reset(ctx context.Context) error {
	_, err := r.ctrl.roundTrip(ctx, frame{Type: frameReset})
	return err
}

func (r *Remote) Probe(ctx context.Context, reg string) (*kernel.Buffer, error) {
	resp, err := r.probe.roundTrip(ctx, frame{Type: frameProbe, Reg: reg})
	if err != nil {
		return nil, err
	}
	if resp.Buf == nil {
		return nil, fmt.Errorf("probe %q: empty value frame", reg)
	}
	return decodeBuffer(resp.Buf), nil
}

func (r *Remote) Deliver(ctx context.Context, reg string, buf *kernel.Buffer) error {
	_, err := r.probe.roundTrip(ctx, frame{Type: frameDeliver, Reg: reg, Buf: encodeBuffer(buf)})
	return err
}

func (r *Remote) Close() error {
	r.ctrl.close()
	r.probe.close()
	return nil
}

// wsConn multiplexes request/response frames over one websocket. Responses
// are matched to requests by ID, so several calls may be in flight at once.
type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan frame
	closed  chan struct{}
	once    sync.Once
}

func dialConn(ctx context.Context, url string) (*wsConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &wsConn{
		ws:      ws,
		pending: make(map[string]chan frame),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsConn) roundTrip(ctx context.Context, req frame) (frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	raw, err := msgpack.Marshal(req)
	if err != nil {
		return frame{}, fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	err = c.ws.WriteMessage(websocket.BinaryMessage, raw)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("write frame: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Type == frameError {
			return frame{}, decodeErr(resp.Err, resp.Code)
		}
		return resp, nil
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case <-c.closed:
		return frame{}, fmt.Errorf("transport: %w", sched.ErrStopped)
	}
}

func (c *wsConn) readLoop() {
	defer c.close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var resp frame
		if err := msgpack.Unmarshal(raw, &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.closed)
		c.ws.Close()
	})
}
