// Package connection implements the per-peer session model: the connection
// state machine, its bounded send queue, the remote acknowledgement window,
// round-trip time estimation, and the address-keyed table that owns every
// live connection of an endpoint.
//
// Nothing in this package is safe for concurrent use. The owning endpoint
// serializes all access behind a single mutex.
//
// Lifecycle:
//
//	Introduction -> Connected -> Disconnecting -> Closed
//
// An initiator starts in Introduction and keeps sending CONNECT until the peer
// answers with a CONNECT carrying the connection id it allocated. An acceptor
// creates the connection from the first CONNECT and accepts it immediately.
// Any state closes on inactivity timeout. Poll produces the packets that are
// due for a connection at a given instant, and moves it to Closed when its
// final packet has been produced.
package connection
