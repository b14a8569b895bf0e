package kernel

import (
	"fmt"

	"github.com/vk/fieldgrid/internal/field"
)

// Buffer is the materialized value of one register: a flat scalar slice of
// Points x Components entries. Complex kinds store interleaved re/im pairs.
// A buffer is exclusively owned by the device supervisor responsible for the
// producing kernel; other partitions see copies relayed through proxies.
type Buffer struct {
	Type field.Type
	Data []float64
}

// NewBuffer allocates a zeroed buffer for the given field type.
func NewBuffer(t field.Type) *Buffer {
	n := t.Points() * t.Components()
	if t.Elem == field.Complex64 || t.Elem == field.Complex128 {
		n *= 2
	}
	return &Buffer{Type: t, Data: make([]float64, n)}
}

// Clone returns an independent copy.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{Type: b.Type, Data: make([]float64, len(b.Data))}
	copy(out.Data, b.Data)
	return out
}

// CopyFrom overwrites this buffer with src's contents. The field types must
// match exactly.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if !b.Type.Equal(src.Type) {
		return fmt.Errorf("buffer copy: %w: %s vs %s", ErrTypeMismatch, src.Type, b.Type)
	}
	copy(b.Data, src.Data)
	return nil
}

// Zero clears the buffer in place.
func (b *Buffer) Zero() {
	for i := range b.Data {
		b.Data[i] = 0
	}
}
