// Package contracts provides the wire-level types shared by the request/reply
// engine and its transports.
//
// This package defines:
//   - Envelope: a request or reply as it travels through a transport
//   - Selector: a header equality filter applied to shared reply destinations
//   - Codec helpers for transports that carry envelopes as JSON documents
//   - DecodeError: returned when an inbound message cannot be turned into an Envelope
//
// Transports own the mapping between an Envelope and their native message
// format. Envelope IDs are always assigned by the transport at publish time.
package contracts
