package codegen

import (
	"fmt"
	"strings"

	"github.com/vk/fieldgrid/internal/field"
	"github.com/vk/fieldgrid/internal/kernel"
)

// emitDeviceSource renders the opaque device source text for one operation.
// The text itself is a leaf artifact handed to the device toolchain; the
// compiler only guarantees the signature reflects the inputs and that the
// addressing scheme matches the classification of the output type.
func emitDeviceSource(op OpDecl, in []*kernel.Register, mode field.AddressingMode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// op=%s addressing=%s\n", op.Kind, mode)
	fmt.Fprintf(&sb, "__kernel void %s(", op.Result)
	for i, r := range in {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "__global const float* %s", r.Name())
	}
	if len(in) > 0 {
		sb.WriteString(", ")
	}
	sb.WriteString("__global float* out) {\n")
	fmt.Fprintf(&sb, "  const size_t gid = get_global_id(0);\n")
	switch mode {
	case field.AddressRegister:
		for c := 0; c < op.Type.Components(); c++ {
			fmt.Fprintf(&sb, "  float r%d;\n", c)
		}
		sb.WriteString("  /* register-resident tensor body */\n")
	case field.AddressLoop:
		fmt.Fprintf(&sb, "  for (int c = 0; c < %d; c++) {\n", op.Type.Components())
		sb.WriteString("    /* per-element tensor body */\n")
		sb.WriteString("  }\n")
	}
	sb.WriteString("}\n")
	return sb.String()
}
