// Package transport connects a remote compute node to the scheduler over a
// websocket carrying msgpack frames. The server side hosts a node supervisor;
// the client side exposes it as a sched.NodeChild. Control commands and
// probes travel on separate connections, so a probe or a cross-node delivery
// is never queued behind an in-flight step.
package transport

import (
	"errors"
	"fmt"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/kernel"
	"github.com/vk/fieldgrid/internal/sched"
)

type frameType uint8

const (
	frameStep frameType = iota + 1
	frameReset
	frameDeliver
	frameProbe
	frameAck
	frameValue
	frameError
)

// errCode maps the scheduler's sentinel errors across the wire, so callers
// can keep matching with errors.Is on the client side.
type errCode uint8

const (
	codeNone errCode = iota
	codeProtocol
	codeUnroutable
	codeUnknownRegister
	codeStopped
	codeOther
)

// frame is one wire message. ID correlates a response with its request.
type frame struct {
	Type frameType   `msgpack:"t"`
	ID   string      `msgpack:"id"`
	Reg  string      `msgpack:"reg,omitempty"`
	Buf  *wireBuffer `msgpack:"buf,omitempty"`
	Err  string      `msgpack:"err,omitempty"`
	Code errCode     `msgpack:"code,omitempty"`
}

// wireBuffer is the msgpack form of a field buffer: the full type descriptor
// plus the flat data, so the receiving side rebuilds an identical buffer.
type wireBuffer struct {
	Elem   int       `msgpack:"e"`
	Grid   []int     `msgpack:"g"`
	Tensor []int     `msgpack:"x"`
	Data   []float64 `msgpack:"d"`
}

func encodeBuffer(b *kernel.Buffer) *wireBuffer {
	return &wireBuffer{
		Elem:   int(b.Type.Elem),
		Grid:   b.Type.Grid,
		Tensor: b.Type.Tensor,
		Data:   b.Data,
	}
}

func decodeBuffer(w *wireBuffer) *kernel.Buffer {
	return &kernel.Buffer{
		Type: field.Type{
			Elem:   field.ElemKind(w.Elem),
			Grid:   field.Shape(w.Grid),
			Tensor: field.Shape(w.Tensor),
		},
		Data: w.Data,
	}
}

func encodeErr(err error) (string, errCode) {
	if err == nil {
		return "", codeNone
	}
	switch {
	case errors.Is(err, sched.ErrProtocol):
		return err.Error(), codeProtocol
	case errors.Is(err, sched.ErrUnroutable):
		return err.Error(), codeUnroutable
	case errors.Is(err, sched.ErrUnknownRegister):
		return err.Error(), codeUnknownRegister
	case errors.Is(err, sched.ErrStopped):
		return err.Error(), codeStopped
	}
	return err.Error(), codeOther
}

func decodeErr(msg string, code errCode) error {
	switch code {
	case codeNone:
		return nil
	case codeProtocol:
		return fmt.Errorf("%w: %s", sched.ErrProtocol, msg)
	case codeUnroutable:
		return fmt.Errorf("%w: %s", sched.ErrUnroutable, msg)
	case codeUnknownRegister:
		return fmt.Errorf("%w: %s", sched.ErrUnknownRegister, msg)
	case codeStopped:
		return fmt.Errorf("%w: %s", sched.ErrStopped, msg)
	}
	return errors.New(msg)
}
