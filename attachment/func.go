package attachment

import "context"

// LoadFunc materializes a payload for typeID.
type LoadFunc func(ctx context.Context, typeID string) (*Payload, error)

// Func adapts a plain function to Provider.
type Func struct {
	typeSet
	fn LoadFunc
}

// NewFunc creates a function-backed provider declaring types.
func NewFunc(id string, fn LoadFunc, types ...string) *Func {
	return &Func{typeSet: newTypeSet(id, types...), fn: fn}
}

// Load implements Provider.
func (f *Func) Load(ctx context.Context, typeID string) (*Payload, error) {
	if err := checkType(f, typeID); err != nil {
		return nil, err
	}
	return f.fn(ctx, typeID)
}
