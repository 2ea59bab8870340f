// Package message defines the engine's immutable request/response data model:
// Headers, Request, and Response.
package message

import (
	"strings"

	"github.com/corehttp/engine/pkg/errors"
)

// pseudoHeaderPrefix marks the HTTP/2 pseudo-headers that never appear on the
// public Headers surface (SPEC data model: "Pseudo-headers ... are produced/
// consumed by the HTTP/2 codec only").
const pseudoHeaderPrefix = ':'

// Headers is an ordered, case-insensitive multimap of header name/value
// pairs. Duplicates are permitted and preserve insertion order, mirroring
// RFC 7230 header semantics.
type Headers struct {
	names  []string
	values []string
}

// NewHeaders returns an empty header list.
func NewHeaders() *Headers {
	return &Headers{}
}

// Add appends a (name, value) pair. Returns a validation error if name or
// value contains CR, LF, or NUL, or if name is a pseudo-header.
func (h *Headers) Add(name, value string) error {
	if err := validateHeader(name, value); err != nil {
		return err
	}
	h.names = append(h.names, name)
	h.values = append(h.values, value)
	return nil
}

// Set replaces all existing values for name with a single value.
func (h *Headers) Set(name, value string) error {
	if err := validateHeader(name, value); err != nil {
		return err
	}
	h.removeAll(name)
	return h.Add(name, value)
}

// Remove deletes all occurrences of name.
func (h *Headers) Remove(name string) {
	h.removeAll(name)
}

func (h *Headers) removeAll(name string) {
	out := h.names[:0]
	vals := h.values[:0]
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			continue
		}
		out = append(out, n)
		vals = append(vals, h.values[i])
	}
	h.names = out
	h.values = vals
}

// Get returns the first value for name, and whether it was present.
func (h *Headers) Get(name string) (string, bool) {
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			return h.values[i], true
		}
	}
	return "", false
}

// Values returns all values for name, in insertion order.
func (h *Headers) Values(name string) []string {
	var out []string
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			out = append(out, h.values[i])
		}
	}
	return out
}

// Has reports whether name is present (case-insensitively).
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Len returns the number of (name, value) pairs.
func (h *Headers) Len() int { return len(h.names) }

// At returns the name/value pair at index i, in insertion order.
func (h *Headers) At(i int) (string, string) {
	return h.names[i], h.values[i]
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := &Headers{
		names:  make([]string, len(h.names)),
		values: make([]string, len(h.values)),
	}
	copy(c.names, h.names)
	copy(c.values, h.values)
	return c
}

// Each calls fn for every (name, value) pair in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for i, n := range h.names {
		fn(n, h.values[i])
	}
}

func validateHeader(name, value string) error {
	if name == "" {
		return errors.NewValidationError("header name must not be empty")
	}
	if name[0] == pseudoHeaderPrefix {
		return errors.NewValidationError("pseudo-header \"" + name + "\" is not permitted on the public Headers surface")
	}
	if strings.ContainsAny(name, "\r\n\x00") {
		return errors.NewValidationError("header name contains CR, LF, or NUL")
	}
	if strings.ContainsAny(value, "\r\n\x00") {
		return errors.NewValidationError("header value for \"" + name + "\" contains CR, LF, or NUL")
	}
	return nil
}
