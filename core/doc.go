// Package core implements the call-matching engine at the heart of an RPC
// server: registered-method lookup, call/request rendezvous, the per-call
// state machine, and shutdown sequencing across concurrent connections.
//
// The package deliberately knows nothing about wire formats. Transports,
// listeners, and completion-queue consumers are external collaborators
// described by the Transport, Listener, and Stream interfaces; production
// code supplies concrete implementations (see transport/inmem for a
// reference one used by the demo binary; this package's own tests use
// local fakes).
package core
