//go:build unix

package fdpass

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// SendFrame writes frame on conn with fd attached to its first byte. The
// descriptor is duplicated into the peer by the kernel; the caller still owns
// its copy and should close it once SendFrame returns.
func SendFrame(conn *net.UnixConn, frame []byte, fd int) error {
	rights := unix.UnixRights(fd)
	n, oobn, err := conn.WriteMsgUnix(frame, rights, nil)
	if err != nil {
		return err
	}
	if oobn != len(rights) {
		return transferErr("send", fmt.Errorf("sent %d of %d control bytes", oobn, len(rights)))
	}
	for n < len(frame) {
		m, err := conn.Write(frame[n:])
		if err != nil {
			return err
		}
		n += m
	}
	return nil
}

// Reader reads a Unix stream connection and keeps every descriptor that
// arrives with the data, in arrival order. Frames carrying a SharedHandle
// claim them with TakeFD while decoding, which keeps the two in step.
type Reader struct {
	conn *net.UnixConn
	oob  []byte

	mu        sync.Mutex
	fds       []int
	truncated int
	closed    bool
}

// NewReader allocates room for maxFDs descriptors per read. Anything beyond
// that is dropped by the kernel and surfaces as ErrTruncated.
func NewReader(conn *net.UnixConn, maxFDs int) *Reader {
	if maxFDs <= 0 {
		maxFDs = 4
	}
	return &Reader{conn: conn, oob: make([]byte, unix.CmsgSpace(4*maxFDs))}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, oobn, flags, _, err := r.conn.ReadMsgUnix(p, r.oob)
	// A closed socket reports -1; io.Reader callers require n >= 0.
	if n < 0 {
		n = 0
	}
	if oobn > 0 {
		r.collect(r.oob[:oobn])
	}
	if flags&unix.MSG_CTRUNC != 0 {
		r.mu.Lock()
		r.truncated++
		r.mu.Unlock()
	}
	return n, err
}

func (r *Reader) collect(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		r.markTruncated()
		return
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			continue
		}
		fds = append(fds, got...)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		closeAll(fds)
		return
	}
	r.fds = append(r.fds, fds...)
}

func (r *Reader) markTruncated() {
	r.mu.Lock()
	r.truncated++
	r.mu.Unlock()
}

// TakeFD hands the oldest received descriptor to the caller, who must close
// it. A descriptor the kernel dropped is reported once as ErrTruncated.
func (r *Reader) TakeFD() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fds) == 0 {
		if r.truncated > 0 {
			r.truncated--
			return -1, transferErr("receive", ErrTruncated)
		}
		return -1, transferErr("receive", ErrNoDescriptor)
	}
	fd := r.fds[0]
	r.fds = r.fds[1:]
	return fd, nil
}

// Pending reports how many received descriptors are still unclaimed.
func (r *Reader) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fds)
}

// Close releases unclaimed descriptors. It does not close the connection.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	err := closeAll(r.fds)
	r.fds = nil
	return err
}

func closeAll(fds []int) error {
	var errs []error
	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
