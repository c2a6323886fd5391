package client

import (
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-tts/internal/protocol"
)

var (
	// ErrDisconnected means an established daemon connection dropped while a
	// call was outstanding.
	ErrDisconnected = errors.New("daemon connection lost")
	// ErrConnectTimeout means the daemon did not start answering within the
	// configured wait.
	ErrConnectTimeout = errors.New("timed out waiting for daemon")
	ErrClosed         = errors.New("client connection closed")
)

// RemoteError is a failure the daemon reported for one request.
type RemoteError struct {
	Kind    protocol.ErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error (%s): %s", e.Kind, e.Message)
}

// GiveUpError ends a connection cycle that could not reach a daemon.
type GiveUpError struct {
	Reason   string
	Attempts int
	Err      error
}

func (e *GiveUpError) Error() string {
	return fmt.Sprintf("giving up after %d connection attempts: %s", e.Attempts, e.Reason)
}

func (e *GiveUpError) Unwrap() error {
	return e.Err
}
