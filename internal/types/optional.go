// Package types provides small value types shared across gpuwatch packages.
package types

import (
	"bytes"
	"encoding/json"
)

// Optional is a metric value that is either present or absent.
// The zero value is absent. A present zero is distinct from "not measured",
// and the only ways to read the value force the caller to handle absence.
type Optional[T any] struct {
	value   T
	present bool
}

// Some returns a present Optional holding v.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, present: true}
}

// None returns an absent Optional.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// IsSet reports whether the value is present.
func (o Optional[T]) IsSet() bool {
	return o.present
}

// OrElse returns the value when present and def otherwise.
func (o Optional[T]) OrElse(def T) T {
	if o.present {
		return o.value
	}
	return def
}

// MarshalJSON encodes an absent value as null.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.present {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON decodes null as absent.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = None[T]()
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// Number is the set of numeric types metric fields use.
type Number interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64 | ~float64
}

// Add returns a present Optional holding o+delta, treating absent o as 0.
func Add[T Number](o Optional[T], delta T) Optional[T] {
	return Some(o.OrElse(0) + delta)
}
