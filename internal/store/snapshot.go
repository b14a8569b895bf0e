package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vk/fieldgrid/internal/kernel"
)

// FieldProber reads the current value of a register by its ID. Satisfied by
// the scheduler's top graph.
type FieldProber interface {
	ProbeID(ctx context.Context, id string) (*kernel.Buffer, error)
}

// FieldWriter feeds a buffer back into the partition owning a register.
// Satisfied by the scheduler's top graph.
type FieldWriter interface {
	DeliverID(ctx context.Context, id string, buf *kernel.Buffer) error
}

const (
	manifestScope = "manifest"
	stateScope    = "state"
)

// SaveCircuit persists a compiled circuit's structural manifest and the
// buffers of its restorable kernels. A later RestoreCircuit against the same
// program picks the run up where it left off; against a different program it
// fails the manifest check instead of corrupting state.
func SaveCircuit(ctx context.Context, s Store, c *kernel.Circuit, probe FieldProber) error {
	if err := writeManifest(s.Nested(manifestScope), c); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}
	st := s.Nested(stateScope)
	for _, k := range c.Kernels() {
		if !k.Restorable() {
			continue
		}
		for _, out := range k.Outputs() {
			id := regID(out)
			buf, err := probe.ProbeID(ctx, id)
			if err != nil {
				return fmt.Errorf("save %q: %w", id, err)
			}
			if err := st.PutFloat64s(id, buf.Data); err != nil {
				return fmt.Errorf("save %q: %w", id, err)
			}
		}
	}
	return nil
}

// RestoreCircuit verifies the persisted manifest against the live circuit and
// feeds the saved buffers back into the scheduler.
func RestoreCircuit(ctx context.Context, s Store, c *kernel.Circuit, w FieldWriter) error {
	if err := VerifyManifest(s, c); err != nil {
		return err
	}
	st := s.Nested(stateScope)
	for _, k := range c.Kernels() {
		if !k.Restorable() {
			continue
		}
		for _, out := range k.Outputs() {
			id := regID(out)
			data, err := st.Float64s(id)
			if err != nil {
				return fmt.Errorf("restore %q: %w", id, err)
			}
			buf := kernel.NewBuffer(out.Type())
			copy(buf.Data, data)
			if err := w.DeliverID(ctx, id, buf); err != nil {
				return fmt.Errorf("restore %q: %w", id, err)
			}
		}
	}
	return nil
}

// VerifyManifest compares the persisted structural manifest with the live
// circuit: kernel count, labels, classes, field types and edge wiring must
// all match.
func VerifyManifest(s Store, c *kernel.Circuit) error {
	m := s.Nested(manifestScope)
	saved, err := m.Int64("kernels")
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	live := manifestEntries(c)
	if int(saved) != len(live) {
		return fmt.Errorf("%w: %d kernels saved, %d live", ErrManifestMismatch, saved, len(live))
	}
	for i, want := range live {
		got, err := m.String(entryKey(i))
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		if got != want {
			return fmt.Errorf("%w: kernel %d: %q vs %q", ErrManifestMismatch, i, got, want)
		}
	}
	return nil
}

func writeManifest(m Store, c *kernel.Circuit) error {
	entries := manifestEntries(c)
	if err := m.PutInt64("kernels", int64(len(entries))); err != nil {
		return err
	}
	for i, e := range entries {
		if err := m.PutString(entryKey(i), e); err != nil {
			return err
		}
	}
	return nil
}

func entryKey(i int) string { return "k" + strconv.Itoa(i) }

// manifestEntries renders one line per live kernel, in deterministic creation
// order: label, opcode, class, input register IDs and typed outputs. Any
// structural change to the circuit changes at least one entry.
func manifestEntries(c *kernel.Circuit) []string {
	kernels := c.Kernels()
	out := make([]string, 0, len(kernels))
	for _, k := range kernels {
		var b strings.Builder
		b.WriteString(k.Label())
		b.WriteByte('|')
		b.WriteString(string(k.Opcode()))
		b.WriteByte('|')
		b.WriteString(k.Class().String())
		b.WriteByte('|')
		for i, in := range k.Inputs() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(regID(in))
		}
		b.WriteByte('|')
		for i, o := range k.Outputs() {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(o.Name())
			b.WriteByte(':')
			b.WriteString(o.Type().String())
		}
		out = append(out, b.String())
	}
	return out
}

func regID(r *kernel.Register) string {
	return r.Kernel().Label() + "." + r.Name()
}
