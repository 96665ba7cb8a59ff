package rterrors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

const (
	MaxDetails        = 16
	MaxDetailKeyLen   = 64
	MaxDetailValueLen = 512
)

// KV is a single bounded detail pair, kept as a slice (not a map) so a
// marshaled Error has deterministic field order.
type KV struct {
	K string `json:"k"`
	V string `json:"v"`
}

// Error is the structured error every package in this module returns for
// anything that needs a stable code, not just a message. It satisfies the
// standard error interface and participates in errors.Is/As via Unwrap.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details []KV   `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the registry classifies this code as safe to
// retry. Unknown codes are treated as non-retryable.
func (e *Error) Retryable() bool {
	m, ok := Meta(e.Code)
	return ok && m.Retryable
}

// New builds an Error with bounded, sorted details.
func New(code Code, message string, details map[string]string) *Error {
	msg := strings.TrimSpace(message)
	if len(msg) > MaxDetailValueLen {
		msg = msg[:MaxDetailValueLen]
	}
	e := &Error{Code: code, Message: msg}
	if len(details) == 0 {
		return e
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(e.Details) >= MaxDetails {
			break
		}
		kk := strings.TrimSpace(k)
		if kk == "" || len(kk) > MaxDetailKeyLen {
			continue
		}
		v := strings.TrimSpace(details[k])
		if len(v) > MaxDetailValueLen {
			v = v[:MaxDetailValueLen]
		}
		e.Details = append(e.Details, KV{K: kk, V: v})
	}
	return e
}

// Wrap attaches code/message context to an underlying error, preserving it
// for errors.Is/As via Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	e := New(code, message, nil)
	e.cause = cause
	return e
}

// As extracts an *Error from err's chain, if present.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the Code carried by err's chain, or Internal if none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}
