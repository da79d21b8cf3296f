package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies protocol and forwarding failures. Kinds drive
// retry policy; messages are for humans.
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindChannelNotFound     ErrorKind = "ChannelNotFound"
	KindTransferNotFound    ErrorKind = "TransferNotFound"
	KindStaleUpdate         ErrorKind = "StaleUpdate"
	KindRestoreNeeded       ErrorKind = "RestoreNeeded"
	KindBadSignatures       ErrorKind = "BadSignatures"
	KindTimeout             ErrorKind = "Timeout"
	KindInvalidTransferType ErrorKind = "InvalidTransferType"
	KindReceiverOffline     ErrorKind = "ReceiverOffline"
	KindDispute             ErrorKind = "Dispute"
	KindExternal            ErrorKind = "External"
)

// Error is the structured failure type crossing component and wire
// boundaries: a kind, a message, and a string context map.
type Error struct {
	Kind    ErrorKind         `json:"kind"`
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
}

// NewError builds an Error with alternating key/value context pairs.
func NewError(kind ErrorKind, message string, kv ...string) *Error {
	e := &Error{Kind: kind, Message: message}
	if len(kv) > 0 {
		e.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Context[kv[i]] = kv[i+1]
		}
	}
	return e
}

// WrapError wraps err as an External-kind Error unless it already is one.
func WrapError(err error, message string, kv ...string) *Error {
	var inner *Error
	if errors.As(err, &inner) {
		if message == "" {
			return inner.With(kv...)
		}
		out := NewError(inner.Kind, message+": "+inner.Message, kv...)
		if out.Context == nil && len(inner.Context) > 0 {
			out.Context = make(map[string]string, len(inner.Context))
		}
		for k, v := range inner.Context {
			if _, ok := out.Context[k]; !ok {
				out.Context[k] = v
			}
		}
		return out
	}
	out := NewError(KindExternal, message, kv...)
	if err != nil {
		out.Message = fmt.Sprintf("%s: %v", message, err)
	}
	return out
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches errors by kind so callers can use errors.Is with sentinel
// kinds.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// With returns a copy with additional context pairs.
func (e *Error) With(kv ...string) *Error {
	out := &Error{Kind: e.Kind, Message: e.Message, Context: make(map[string]string, len(e.Context)+len(kv)/2)}
	for k, v := range e.Context {
		out.Context[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out.Context[kv[i]] = kv[i+1]
	}
	return out
}

// KindOf extracts the kind from any error; unknown errors are External.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExternal
}

// errorWire is the serialized form crossing the messaging layer.
type errorWire struct {
	Message string            `json:"message"`
	Context map[string]string `json:"context,omitempty"`
	Kind    ErrorKind         `json:"kind"`
}

// MarshalJSON serializes as {message, context, kind}.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorWire{Message: e.Message, Context: e.Context, Kind: e.Kind})
}

// UnmarshalJSON restores the wire form; a missing kind becomes External.
func (e *Error) UnmarshalJSON(data []byte) error {
	var w errorWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Kind == "" {
		w.Kind = KindExternal
	}
	e.Kind = w.Kind
	e.Message = w.Message
	e.Context = w.Context
	return nil
}
