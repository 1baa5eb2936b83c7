// Package session wires the Ferry components into running endpoints:
// the per-transfer sender on the server, the receiver with its print
// task on the client, and the server supervisor that spawns a sender
// per file request.
package session

import (
	"errors"
	"time"
)

const (
	// PersistTimer is the interval between window probes while the
	// receiver window is closed
	PersistTimer = 3 * time.Second

	// DelayedAckInterval is the delivery tick that forces even a single
	// buffered segment out of the receive buffer
	DelayedAckInterval = 500 * time.Millisecond

	// FinTimewait is how long the receiver keeps acknowledging after
	// the EOF segment arrived
	FinTimewait = 30 * time.Second

	// ReceiveTimeout bounds one blocking read in the receiver loop
	ReceiveTimeout = 5 * time.Second
)

// ErrHandshake is returned when the port-migration handshake could not
// be completed.
var ErrHandshake = errors.New("session: handshake failed")
