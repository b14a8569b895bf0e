package field

import "fmt"

// AddressingMode selects how generated code addresses one output field.
type AddressingMode int

const (
	// AddressRegister keeps the per-point tensor in a fixed-width block of
	// device registers; only available to small tensors.
	AddressRegister AddressingMode = iota
	// AddressLoop iterates the tensor components with a general per-element
	// loop.
	AddressLoop
)

func (m AddressingMode) String() string {
	if m == AddressRegister {
		return "register"
	}
	return "loop"
}

// DefaultSmallTensorLimit is the component count up to which a field
// classifies as small-tensor.
const DefaultSmallTensorLimit = 4

// AddressingPolicy decides the addressing mode for a field type. The
// small-tensor limit defaults to 4 scalar components and may be widened to 8
// or 16 as an opt-in.
type AddressingPolicy struct {
	SmallTensorLimit int
}

// NewAddressingPolicy validates the widened limit. Zero selects the default.
func NewAddressingPolicy(limit int) (AddressingPolicy, error) {
	switch limit {
	case 0:
		limit = DefaultSmallTensorLimit
	case 4, 8, 16:
	default:
		return AddressingPolicy{}, fmt.Errorf("small-tensor limit must be 4, 8 or 16, got %d", limit)
	}
	return AddressingPolicy{SmallTensorLimit: limit}, nil
}

// ModeFor classifies t against the policy. The classification is computed
// from the current type on every call; it must never be cached across
// type-altering transforms.
func (p AddressingPolicy) ModeFor(t Type) AddressingMode {
	limit := p.SmallTensorLimit
	if limit == 0 {
		limit = DefaultSmallTensorLimit
	}
	if t.Components() <= limit {
		return AddressRegister
	}
	return AddressLoop
}
