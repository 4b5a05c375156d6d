// Package contracts provides the core wire types for qpost message endpoints.
//
// This package defines the values that cross the transport boundary:
//   - Envelope: the unit of transport, carrying a command code, a descriptor,
//     and an opaque serialized body
//   - EndpointURI: the scheme://queue-name@host address of a message endpoint
//   - The error taxonomy shared by builders, formatters, and receive loops
//
// Envelopes are designed to be serializable and compatible with the .NET
// implementation of qpost for cross-platform messaging.
package contracts
