// Package serialization converts application objects to and from the opaque
// payloads carried inside envelopes.
//
// A BodyFormatter instance is never shared across in-flight messages: callers
// clone the endpoint's formatter once per envelope, so concurrent sends and
// receives cannot interfere through serializer state. The default JSON
// formatter encodes a type discriminator alongside the payload fields, letting
// a consumer rebuild the concrete type registered under that name without
// prior schema negotiation.
package serialization

import (
	"reflect"

	"github.com/qpost/qpost-go/contracts"
)

// BodyFormatter reads and writes envelope payloads.
type BodyFormatter interface {
	// CanRead reports whether the envelope carries a payload this
	// formatter can attempt to decode.
	CanRead(env *contracts.Envelope) bool

	// Read decodes the envelope's payload. It returns nil without error
	// when CanRead is false, and a *contracts.FormatError when the payload
	// bytes are malformed.
	Read(env *contracts.Envelope) (interface{}, error)

	// Write serializes body and attaches it to the envelope. Both
	// arguments are required; absence fails with
	// contracts.ErrInvalidArgument.
	Write(env *contracts.Envelope, body interface{}) error

	// Clone returns an independent formatter usable concurrently with the
	// receiver.
	Clone() BodyFormatter
}

// TypeNameOf returns the bare struct name of v, dereferencing pointers.
// It returns an empty string for unnamed types and nil values.
func TypeNameOf(v interface{}) string {
	if v == nil {
		return ""
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
