package resolution

import (
	"encoding/json"
	"fmt"
)

// FieldState distinguishes a field the portal never rendered from one it rendered empty.
type FieldState uint8

// Field states.
const (
	StateAbsent FieldState = iota
	StateBlank
	StateSet
)

func (s FieldState) String() string {
	switch s {
	case StateBlank:
		return "blank"
	case StateSet:
		return "set"
	default:
		return "absent"
	}
}

// Field holds one canonical attribute. The zero value is absent.
type Field[T any] struct {
	state FieldState
	value T
}

// Absent returns a field that was not rendered.
func Absent[T any]() Field[T] {
	return Field[T]{}
}

// Blank returns a field that was rendered with no content.
func Blank[T any]() Field[T] {
	return Field[T]{state: StateBlank}
}

// Set returns a present, typed field.
func Set[T any](v T) Field[T] {
	return Field[T]{state: StateSet, value: v}
}

// State reports the field state.
func (f Field[T]) State() FieldState {
	return f.state
}

// Present reports whether the portal rendered the field at all.
func (f Field[T]) Present() bool {
	return f.state != StateAbsent
}

// Value returns the typed value and whether it is set.
func (f Field[T]) Value() (T, bool) {
	return f.value, f.state == StateSet
}

// OrZero returns the value or the zero value of T.
func (f Field[T]) OrZero() T {
	return f.value
}

type fieldJSON[T any] struct {
	State string `json:"state"`
	Value *T     `json:"value,omitempty"`
}

// MarshalJSON encodes the state explicitly so absent and blank survive a round trip.
func (f Field[T]) MarshalJSON() ([]byte, error) {
	out := fieldJSON[T]{State: f.state.String()}
	if f.state == StateSet {
		v := f.value
		out.Value = &v
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal field: %w", err)
	}
	return data, nil
}

// UnmarshalJSON decodes the encoding produced by MarshalJSON.
func (f *Field[T]) UnmarshalJSON(data []byte) error {
	var in fieldJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("unmarshal field: %w", err)
	}
	switch in.State {
	case "", "absent":
		*f = Absent[T]()
	case "blank":
		*f = Blank[T]()
	case "set":
		var v T
		if in.Value != nil {
			v = *in.Value
		}
		*f = Set(v)
	default:
		return fmt.Errorf("unknown field state %q", in.State)
	}
	return nil
}
