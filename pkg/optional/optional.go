// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package optional provides a field wrapper that keeps "absent" distinct from
// "explicitly set to the zero value" when decoding partial JSON payloads.
package optional

import (
	"bytes"
	"encoding/json"
)

var nullLiteral = []byte("null")

// Value holds a T that may or may not have been supplied.
// A JSON null decodes to an unset Value, same as an absent key.
type Value[T any] struct {
	value T
	set   bool
}

// Some returns a Value holding v.
func Some[T any](v T) Value[T] {
	return Value[T]{value: v, set: true}
}

// None returns an unset Value.
func None[T any]() Value[T] {
	return Value[T]{}
}

// Get returns the held value and whether it was set.
func (o Value[T]) Get() (T, bool) {
	return o.value, o.set
}

// IsSet reports whether a value was supplied.
func (o Value[T]) IsSet() bool {
	return o.set
}

// OrElse returns the held value, or def when unset.
func (o Value[T]) OrElse(def T) T {
	if !o.set {
		return def
	}
	return o.value
}

func (o *Value[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), nullLiteral) {
		*o = Value[T]{}
		return nil
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	o.value = v
	o.set = true
	return nil
}

func (o Value[T]) MarshalJSON() ([]byte, error) {
	if !o.set {
		return nullLiteral, nil
	}
	return json.Marshal(o.value)
}

// Apply writes the value of src into dst when src is set and reports whether
// dst actually changed.
func Apply[T comparable](dst *T, src Value[T]) bool {
	v, ok := src.Get()
	if !ok || *dst == v {
		return false
	}
	*dst = v
	return true
}
