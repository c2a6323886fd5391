//go:build linux

package fdpass

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

const Supported = true

const requiredSeals = unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_WRITE

// SharedBuffer is a sealed anonymous memory file holding one payload. The
// creator owns the descriptor until it is sent, then closes it.
type SharedBuffer struct {
	fd   int
	size int
}

// NewSharedBuffer copies data into a fresh memfd sized exactly to it and seals
// the file so neither side can resize or modify it afterwards.
func NewSharedBuffer(name string, data []byte) (*SharedBuffer, error) {
	if len(data) == 0 {
		return nil, transferErr("create", errors.New("empty payload"))
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, transferErr("memfd_create", err)
	}
	fail := func(op string, err error) (*SharedBuffer, error) {
		_ = unix.Close(fd)
		return nil, transferErr(op, err)
	}
	if err := unix.Ftruncate(fd, int64(len(data))); err != nil {
		return fail("ftruncate", err)
	}
	region, err := unix.Mmap(fd, 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fail("mmap", err)
	}
	copy(region, data)
	// F_SEAL_WRITE is refused while a writable mapping exists.
	if err := unix.Munmap(region); err != nil {
		return fail("munmap", err)
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, requiredSeals|unix.F_SEAL_SEAL); err != nil {
		return fail("seal", err)
	}
	return &SharedBuffer{fd: fd, size: len(data)}, nil
}

func (b *SharedBuffer) Fd() int   { return b.fd }
func (b *SharedBuffer) Size() int { return b.size }

func (b *SharedBuffer) Close() error {
	if b.fd < 0 {
		return nil
	}
	err := unix.Close(b.fd)
	b.fd = -1
	return err
}

// Mapping is a received buffer mapped read-only into this process.
type Mapping struct {
	once sync.Once
	data []byte
	err  error
}

// OpenShared takes ownership of fd, checks that it is a sealed file of exactly
// size bytes and maps it read-only. The descriptor is always closed; the
// mapping stays valid until Close.
func OpenShared(fd int, size uint64) (*Mapping, error) {
	defer unix.Close(fd)

	if size == 0 {
		return nil, transferErr("open", errors.New("zero size"))
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, transferErr("fstat", err)
	}
	if st.Size < 0 || uint64(st.Size) != size {
		return nil, transferErr("open", fmt.Errorf("size mismatch: announced %d bytes, file has %d", size, st.Size))
	}
	seals, err := unix.FcntlInt(uintptr(fd), unix.F_GET_SEALS, 0)
	if err != nil {
		return nil, transferErr("get seals", err)
	}
	if seals&requiredSeals != requiredSeals {
		return nil, transferErr("open", fmt.Errorf("buffer not sealed (seals=%#x)", seals))
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, transferErr("mmap", err)
	}
	return &Mapping{data: data}, nil
}

// Bytes returns the mapped region. It must not be used after Close.
func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Close() error {
	m.once.Do(func() {
		m.err = unix.Munmap(m.data)
		m.data = nil
	})
	return m.err
}
