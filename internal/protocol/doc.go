// Package protocol defines the broadcast protocol spoken over a session channel:
// channel naming, channel authorization and the envelope that carries persisted
// events, ephemeral signals and fabric membership notifications.
//
// Envelope fields (session id, user id, timestamp) are the only part the fabric
// looks at. The payload is a tagged union keyed by Kind; each variant has its
// own struct and Decode returns it as an Event.
package protocol
