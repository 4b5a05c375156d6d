package contracts

import (
	"fmt"
	"strings"
)

// ErrorQueueSuffix is appended to a queue name to derive the name of its
// paired error queue.
const ErrorQueueSuffix = "_errors"

// localHost is the host value that resolves to the local machine.
const localHost = "localhost"

// EndpointURI identifies a message endpoint as scheme://queue-name@host.
// The host segment is optional; omitted or "localhost" resolves to the
// local machine. The scheme names the transport kind the endpoint belongs
// to, so two endpoints interoperate only when their schemes match.
type EndpointURI struct {
	Scheme    string
	QueueName string
	Host      string
}

// ParseEndpointURI parses a scheme://queue-name@host address.
func ParseEndpointURI(raw string) (EndpointURI, error) {
	if raw == "" {
		return EndpointURI{}, fmt.Errorf("%w: endpoint URI is empty", ErrInvalidArgument)
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found || scheme == "" {
		return EndpointURI{}, fmt.Errorf("endpoint URI %q: missing scheme", raw)
	}

	queue, host, _ := strings.Cut(rest, "@")
	if queue == "" {
		return EndpointURI{}, fmt.Errorf("endpoint URI %q: missing queue name", raw)
	}
	if strings.ContainsAny(queue, "/@") {
		return EndpointURI{}, fmt.Errorf("endpoint URI %q: invalid queue name %q", raw, queue)
	}

	return EndpointURI{
		Scheme:    strings.ToLower(scheme),
		QueueName: queue,
		Host:      strings.ToLower(host),
	}, nil
}

// MustParseEndpointURI is like ParseEndpointURI but panics on error.
// It is intended for static endpoint addresses.
func MustParseEndpointURI(raw string) EndpointURI {
	uri, err := ParseEndpointURI(raw)
	if err != nil {
		panic(err)
	}
	return uri
}

// IsLocal reports whether the URI resolves to the local machine.
func (u EndpointURI) IsLocal() bool {
	return u.Host == "" || u.Host == localHost
}

// QueueAddress returns the transport-specific queue address. Local
// endpoints resolve to the bare queue name; remote endpoints keep the
// host qualifier.
func (u EndpointURI) QueueAddress() string {
	if u.IsLocal() {
		return u.QueueName
	}
	return u.QueueName + "@" + u.Host
}

// ErrorQueueAddress returns the address of the paired error queue: the
// primary queue address with ErrorQueueSuffix appended to the queue-name
// segment.
func (u EndpointURI) ErrorQueueAddress() string {
	if u.IsLocal() {
		return u.QueueName + ErrorQueueSuffix
	}
	return u.QueueName + ErrorQueueSuffix + "@" + u.Host
}

// SameFamily reports whether the other endpoint belongs to the same
// transport kind as this one.
func (u EndpointURI) SameFamily(other EndpointURI) bool {
	return u.Scheme == other.Scheme
}

// String renders the URI back to scheme://queue-name@host form.
func (u EndpointURI) String() string {
	if u.Host == "" {
		return fmt.Sprintf("%s://%s", u.Scheme, u.QueueName)
	}
	return fmt.Sprintf("%s://%s@%s", u.Scheme, u.QueueName, u.Host)
}
