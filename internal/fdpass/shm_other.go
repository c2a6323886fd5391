//go:build unix && !linux

package fdpass

import "golang.org/x/sys/unix"

const Supported = false

type SharedBuffer struct{}

func NewSharedBuffer(string, []byte) (*SharedBuffer, error) {
	return nil, transferErr("create", ErrUnsupported)
}

func (b *SharedBuffer) Fd() int      { return -1 }
func (b *SharedBuffer) Size() int    { return 0 }
func (b *SharedBuffer) Close() error { return nil }

type Mapping struct{}

func OpenShared(fd int, _ uint64) (*Mapping, error) {
	_ = unix.Close(fd)
	return nil, transferErr("open", ErrUnsupported)
}

func (m *Mapping) Bytes() []byte { return nil }
func (m *Mapping) Close() error  { return nil }
