package serialization

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/qpost/qpost-go/contracts"
)

// DefaultTypeField is the payload key carrying the type discriminator.
const DefaultTypeField = "_type"

// JSONBodyFormatter is the default BodyFormatter. Payloads are JSON objects
// carrying a type discriminator next to the value's own fields; decoding
// switches on the discriminator into the concrete type registered for it,
// or falls back to a generic map when the name is unknown.
type JSONBodyFormatter struct {
	registry  *TypeRegistry
	typeField string
	pretty    bool
}

// JSONFormatterOption configures the JSONBodyFormatter.
type JSONFormatterOption func(*JSONBodyFormatter)

// WithRegistry sets the type registry consulted for discriminators.
func WithRegistry(registry *TypeRegistry) JSONFormatterOption {
	return func(f *JSONBodyFormatter) {
		f.registry = registry
	}
}

// WithTypeField sets the payload key used for the type discriminator.
func WithTypeField(name string) JSONFormatterOption {
	return func(f *JSONBodyFormatter) {
		f.typeField = name
	}
}

// WithPrettyPrint enables indented payload encoding.
func WithPrettyPrint(pretty bool) JSONFormatterOption {
	return func(f *JSONBodyFormatter) {
		f.pretty = pretty
	}
}

// NewJSONBodyFormatter creates a JSON formatter with its own registry
// unless one is supplied.
func NewJSONBodyFormatter(opts ...JSONFormatterOption) *JSONBodyFormatter {
	f := &JSONBodyFormatter{
		registry:  NewTypeRegistry(),
		typeField: DefaultTypeField,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Registry returns the formatter's type registry.
func (f *JSONBodyFormatter) Registry() *TypeRegistry {
	return f.registry
}

// CanRead reports whether env carries a non-empty payload.
func (f *JSONBodyFormatter) CanRead(env *contracts.Envelope) bool {
	return env.HasBody()
}

// Read decodes the payload into the concrete type named by its
// discriminator, a generic map when the discriminator is unknown, or the
// plain decoded value for non-object payloads. It returns nil without
// error when the envelope has no readable payload.
func (f *JSONBodyFormatter) Read(env *contracts.Envelope) (interface{}, error) {
	if !f.CanRead(env) {
		return nil, nil
	}

	var generic interface{}
	if err := json.Unmarshal(env.Body, &generic); err != nil {
		return nil, &contracts.FormatError{Descriptor: env.Descriptor, Err: err}
	}

	fields, ok := generic.(map[string]interface{})
	if !ok {
		return generic, nil
	}

	name, ok := fields[f.typeField].(string)
	if !ok {
		return fields, nil
	}

	instance, ok := f.registry.New(name)
	if !ok {
		return fields, nil
	}
	if err := json.Unmarshal(env.Body, instance); err != nil {
		return nil, &contracts.FormatError{Descriptor: env.Descriptor, Err: err}
	}
	return instance, nil
}

// Write serializes body and attaches it to env. Object payloads gain the
// type discriminator so the consuming side can restore the concrete type.
func (f *JSONBodyFormatter) Write(env *contracts.Envelope, body interface{}) error {
	if env == nil {
		return fmt.Errorf("envelope cannot be nil: %w", contracts.ErrInvalidArgument)
	}
	if body == nil {
		return fmt.Errorf("body cannot be nil: %w", contracts.ErrInvalidArgument)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		data, err = f.tagged(data, body)
		if err != nil {
			return err
		}
	}

	env.Body = data
	return nil
}

// tagged re-encodes an object payload with the type discriminator added.
func (f *JSONBodyFormatter) tagged(data []byte, body interface{}) ([]byte, error) {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to expand body fields: %w", err)
	}

	name, err := f.registry.TypeName(body)
	if err != nil {
		// Unregistered types still self-describe with their struct name;
		// only registered names round-trip to the concrete type.
		name = TypeNameOf(body)
	}
	if name != "" {
		fields[f.typeField] = name
	}

	if f.pretty {
		return json.MarshalIndent(fields, "", "  ")
	}
	return json.Marshal(fields)
}

// Clone returns an independent formatter sharing only the registry, which
// is safe for concurrent use.
func (f *JSONBodyFormatter) Clone() BodyFormatter {
	clone := *f
	return &clone
}
