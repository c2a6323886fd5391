package protocol

import "fmt"

// ProtocolError reports a frame or payload that cannot be decoded. The
// connection it arrived on is no longer usable.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) error {
	return &ProtocolError{Reason: reason, Err: err}
}
