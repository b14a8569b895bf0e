package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/kernel"
	"github.com/vk/fieldgrid/internal/sched"
)

// Server exposes one node child over websockets. Two endpoints: /ctrl for
// Step and Reset, /probe for probes and deliveries, kept on separate
// connections so observability and routing stay live while a step runs.
type Server struct {
	child    sched.NodeChild
	upgrader websocket.Upgrader
}

// NewServer wraps a node child for remote supervision.
func NewServer(child sched.NodeChild) *Server {
	return &Server{
		child: child,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
		},
	}
}

// Handler returns the http handler serving both endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ctrl", s.serveConn)
	mux.HandleFunc("/probe", s.serveConn)
	return mux
}

// ListenAndServe serves until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	ctxlog.FromContext(ctx).Info("Transport listening.", "addr", addr, "node", s.child.Name())
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) serveConn(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	logger := ctxlog.FromContext(r.Context())

	var writeMu sync.Mutex
	reply := func(f frame) {
		raw, err := msgpack.Marshal(f)
		if err != nil {
			logger.Error("Failed to encode frame.", "error", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := ws.WriteMessage(websocket.BinaryMessage, raw); err != nil {
			logger.Warn("Failed to write frame.", "error", err)
		}
	}

	// Each request is handled on its own goroutine: a blocking Step must not
	// stall deliveries arriving on the same connection.
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req frame
		if err := msgpack.Unmarshal(raw, &req); err != nil {
			logger.Warn("Dropping malformed frame.", "error", err)
			continue
		}
		go func(req frame) {
			reply(s.handle(r.Context(), req))
		}(req)
	}
}

func (s *Server) handle(ctx context.Context, req frame) frame {
	resp := frame{Type: frameAck, ID: req.ID}
	var err error
	switch req.Type {
	case frameStep:
		err = s.child.Step(ctx)
	case frameReset:
		err = s.child.Reset(ctx)
	case frameDeliver:
		if req.Buf == nil {
			err = errors.New("deliver frame without buffer")
			break
		}
		err = s.child.Deliver(ctx, req.Reg, decodeBuffer(req.Buf))
	case frameProbe:
		var buf *kernel.Buffer
		buf, err = s.child.Probe(ctx, req.Reg)
		if err == nil {
			resp.Type = frameValue
			resp.Buf = encodeBuffer(buf)
		}
	default:
		err = errors.New("unknown frame type")
	}
	if err != nil {
		resp.Type = frameError
		resp.Err, resp.Code = encodeErr(err)
	}
	return resp
}
