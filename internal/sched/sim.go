package sched

import (
	"context"

	"github.com/vk/fieldgrid/internal/kernel"
)

// SimDispatcher executes device kernels without a device: each output buffer
// is filled from the input buffer at the same index (the last input when the
// kernel has fewer inputs than outputs), truncating or zero-extending to the
// output's size. The data flow through the circuit stays observable, which is
// what scheduler tests and dry runs need; the generated source text is not
// interpreted.
type SimDispatcher struct{}

func (SimDispatcher) Dispatch(ctx context.Context, k *kernel.Kernel, in []*kernel.Buffer, out []*kernel.Buffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for i, dst := range out {
		dst.Zero()
		if len(in) == 0 {
			continue
		}
		src := in[min(i, len(in)-1)]
		copy(dst.Data, src.Data)
	}
	return nil
}
