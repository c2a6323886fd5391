// Package fdpass moves audio between processes as sealed memory files whose
// descriptors travel as SCM_RIGHTS attachments on a Unix socket.
package fdpass

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupported  = errors.New("descriptor passing unsupported on this platform")
	ErrNoDescriptor = errors.New("no descriptor attached")
	ErrTruncated    = errors.New("control message truncated")
)

// TransferError reports a failed hand-off of one buffer. Callers recover by
// asking for the same data inline.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("fdpass: %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

func transferErr(op string, err error) error {
	return &TransferError{Op: op, Err: err}
}
