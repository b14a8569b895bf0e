// Package optimizer rewrites a compiled kernel circuit to minimize device
// dispatches and intermediate buffer traffic. Every pass is built on the
// output-stealing primitive, so fused and unfused circuits stay semantically
// equivalent; which of several eligible fusions is applied first is a
// heuristic, not a contract.
package optimizer

import (
	"context"

	"github.com/vk/fieldgrid/internal/ctxlog"
	"github.com/vk/fieldgrid/internal/kernel"
)

// Merge fuses device-kernel pairs along producer→sole-consumer edges: when a
// producer's outputs feed exactly one consumer, the consumer's dispatch and
// its intermediate buffer round-trip are eliminated by letting the producer
// steal the consumer's outputs.
//
// Eligibility:
//   - both kernels are device kernels on the same placement; a fusion never
//     crosses a device or node partition boundary;
//   - the producer's output field types match the consumer's exactly, so
//     every surviving output keeps its type;
//   - the consumer takes all of its inputs from the producer, otherwise the
//     fused dispatch would need inputs the producer does not have.
//
// Candidates are scanned in deterministic creation order and the pass
// restarts after each applied fusion, so chained pipelines collapse fully.
// Returns the number of eliminated dispatches.
func Merge(ctx context.Context, c *kernel.Circuit) (int, error) {
	logger := ctxlog.FromContext(ctx)
	fused := 0

	for {
		thief, donor := findCandidate(c)
		if donor == nil {
			break
		}
		logger.Debug("Fusing kernels.",
			"survivor", thief.Label(), "eliminated", donor.Label(),
			"placement", thief.Placement().String())
		if err := c.StealOutputs(thief, donor); err != nil {
			return fused, err
		}
		fused++
	}

	if fused > 0 {
		logger.Debug("Merge pass finished.", "eliminated_dispatches", fused,
			"remaining_kernels", c.KernelCount())
	}
	return fused, nil
}

// findCandidate returns the first fusable (producer, consumer) pair in
// deterministic order, or nils when no fusion applies.
func findCandidate(c *kernel.Circuit) (thief, donor *kernel.Kernel) {
	for _, producer := range c.Kernels() {
		if producer.Class() != kernel.Device {
			continue
		}
		consumer, ok := soleConsumer(c, producer)
		if !ok {
			continue
		}
		if consumer.Class() != kernel.Device {
			continue
		}
		if consumer.Placement() != producer.Placement() {
			continue
		}
		if !consumesOnly(consumer, producer) {
			continue
		}
		if !typesMatch(producer, consumer) {
			continue
		}
		return producer, consumer
	}
	return nil, nil
}

// soleConsumer reports the single kernel consuming any of producer's
// outputs, if there is exactly one.
func soleConsumer(c *kernel.Circuit, producer *kernel.Kernel) (*kernel.Kernel, bool) {
	sinks := producer.Node().SinkNodes()
	if len(sinks) != 1 {
		return nil, false
	}
	k, ok := c.KernelFor(sinks[0])
	return k, ok
}

// consumesOnly reports whether every input of consumer comes from producer.
func consumesOnly(consumer, producer *kernel.Kernel) bool {
	for _, in := range consumer.Inputs() {
		if in.Kernel() != producer {
			return false
		}
	}
	return len(consumer.Inputs()) > 0
}

// typesMatch requires index-wise equality between the producer's and the
// consumer's output field types, the precondition for type-preserving
// stealing.
func typesMatch(producer, consumer *kernel.Kernel) bool {
	if len(producer.Outputs()) < len(consumer.Outputs()) {
		return false
	}
	for i, out := range consumer.Outputs() {
		if !producer.Output(i).Type().Equal(out.Type()) {
			return false
		}
	}
	return true
}
