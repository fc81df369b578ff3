package disk

import (
	"log"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const PageSize int = 4096

// BlockAlign is the alignment direct io requires for both file offsets and
// user buffers.
const BlockAlign = 512

type IDiskManager interface {
	WritePage(data []byte, pageId uint64) error
	ReadPage(pageId uint64, dst []byte) error
	FDataSync() error
	Close() error
}

// Manager is a disk manager over a single file opened with O_DIRECT. Page n
// occupies bytes [n*PageSize, (n+1)*PageSize) of the file. All read and write
// buffers must be block aligned, see AlignedBlock.
type Manager struct {
	fd       int
	filename string
	direct   bool
	ioOps    atomic.Uint64
}

var _ IDiskManager = &Manager{}

// NewManager opens file as the backing store. When trunc is set the file is
// truncated on open. fallocGib gibibytes are preallocated with fallocate, or
// by writing zero blocks where fallocate is not supported. If the file system does not
// support direct io (tmpfs does not) it falls back to buffered io, which only
// matters for benchmarks, not for correctness.
func NewManager(file string, trunc bool, fallocGib int) (*Manager, error) {
	d := Manager{filename: file, direct: true}

	flags := unix.O_RDWR | unix.O_CREAT | unix.O_DIRECT
	if trunc {
		flags |= unix.O_TRUNC
	}

	fd, err := unix.Open(file, flags, 0o666)
	if err == unix.EINVAL {
		// file system rejected O_DIRECT
		d.direct = false
		fd, err = unix.Open(file, flags&^unix.O_DIRECT, 0o666)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %v", file)
	}
	d.fd = fd

	if fallocGib > 0 {
		const gib = 1 << 30
		if err := unix.Fallocate(fd, 0, 0, int64(fallocGib)*gib); err != nil {
			// fall back to writing zeroes when fallocate is not supported
			zeroes := AlignedBlock(gib)
			for i := 0; i < fallocGib; i++ {
				if _, err := unix.Pwrite(fd, zeroes, int64(i)*gib); err != nil {
					_ = unix.Close(fd)
					return nil, errors.Wrap(err, "could not preallocate file")
				}
			}
		}
		if err := unix.Fsync(fd); err != nil {
			_ = unix.Close(fd)
			return nil, errors.Wrap(err, "fsync after preallocation failed")
		}
	}

	log.Printf("disk manager initialized, file: %v, direct: %v\n", file, d.direct)
	return &d, nil
}

// WritePage writes data to the page's slot in the file. It loops until the
// whole page is written since pwrite may write less than asked.
func (d *Manager) WritePage(data []byte, pageId uint64) error {
	if len(data) != PageSize {
		panic("written bytes are not equal to page size")
	}
	d.assertAligned(data)

	offset := int64(pageId) * int64(PageSize)
	written := 0
	for written < PageSize {
		n, err := unix.Pwrite(d.fd, data[written:], offset+int64(written))
		if err != nil {
			return errors.Wrapf(err, "pwrite failed, page: %v, offset: %v", pageId, offset)
		}
		written += n
	}

	d.ioOps.Add(1)
	return nil
}

// ReadPage reads the page's slot into dst which must be exactly one page long
// and block aligned.
func (d *Manager) ReadPage(pageId uint64, dst []byte) error {
	if len(dst) != PageSize {
		panic("read destination is not equal to page size")
	}
	d.assertAligned(dst)

	offset := int64(pageId) * int64(PageSize)
	read := 0
	for read < PageSize {
		n, err := unix.Pread(d.fd, dst[read:], offset+int64(read))
		if err != nil {
			return errors.Wrapf(err, "pread failed, page: %v, offset: %v", pageId, offset)
		}
		if n == 0 {
			return errors.Errorf("partial page encountered, page: %v, read: %v", pageId, read)
		}
		read += n
	}

	d.ioOps.Add(1)
	return nil
}

func (d *Manager) FDataSync() error {
	if err := unix.Fdatasync(d.fd); err != nil {
		return errors.Wrap(err, "fdatasync failed")
	}
	return nil
}

func (d *Manager) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return errors.Wrapf(err, "could not close %v", d.filename)
	}
	d.fd = -1
	return nil
}

// IOOps returns the number of io operations issued so far.
func (d *Manager) IOOps() uint64 {
	return d.ioOps.Load()
}

func (d *Manager) assertAligned(buf []byte) {
	if d.direct && uintptr(unsafe.Pointer(&buf[0]))%BlockAlign != 0 {
		panic("direct io buffer is not block aligned")
	}
}

// AlignedBlock allocates a block aligned byte slice of the given size.
// Alignment is achieved by over-allocating and slicing at the first aligned
// offset.
func AlignedBlock(size int) []byte {
	buf := make([]byte, size+BlockAlign)
	off := int(uintptr(unsafe.Pointer(&buf[0])) % BlockAlign)
	if off == 0 {
		return buf[:size:size]
	}
	shift := BlockAlign - off
	return buf[shift : shift+size : shift+size]
}
