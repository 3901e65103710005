package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when writing to a session that is not connected.
	ErrNotConnected = errors.New("session not connected")
	// ErrNotFound is returned for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateID is returned when registering an id that is already live.
	ErrDuplicateID = errors.New("duplicate session id")
	// ErrNoPriorConfig is returned when reconnecting a session that never opened.
	ErrNoPriorConfig = errors.New("session has no prior successful connection")
	// ErrSessionClosed is returned for any mutating call on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrBusy is returned when reconnecting a session that is already connecting.
	ErrBusy = errors.New("session is connecting")
	// ErrReconnectAborted is returned by a reconnect overtaken by a disconnect.
	ErrReconnectAborted = errors.New("reconnect aborted by disconnect")
)

// ConnectionFailedError reports that a transport could not be opened for a
// session. Err is usually a *serial.SerialError with Operation "open".
type ConnectionFailedError struct {
	Address string
	Err     error
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Address, e.Err)
}

func (e *ConnectionFailedError) Unwrap() error {
	return e.Err
}
