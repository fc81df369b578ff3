package buffer

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"swizzle/disk"
)

// State is the lifecycle state of a buffer frame. A FREE frame lives on the
// free list, a HOT frame is referenced by exactly one swizzled swip, a COLD
// frame sits on a partition's cooling queue keyed in its hash table.
type State uint32

const (
	StateFree State = iota
	StateHot
	StateCold
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateHot:
		return "HOT"
	case StateCold:
		return "COLD"
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// On disk page layout. Every page starts with its LSN, a magic number equal
// to its pid used to catch misdirected reads, and the id of the owning
// datastructure instance. The payload is opaque to the buffer manager.
const (
	pageLSNOff   = 0
	pageMagicOff = 8
	pageDTIDOff  = 16

	PageHeaderSize = 24
	PayloadSize    = disk.PageSize - PageHeaderSize
)

// BufferFrame is one DRAM slot of the pool: a header plus the block aligned
// image of one page. The image is exactly what goes to and comes from disk.
//
// state and pid are atomics because the page provider inspects random frames
// under an optimistic guard only; such speculative reads are validated with
// Recheck afterwards. The remaining header fields are only touched under the
// frame's exclusive latch or the owning partition's mutex.
type BufferFrame struct {
	latch OptLock
	state atomic.Uint32
	pid   atomic.Uint64

	// isWB is true while the page sits in the async write buffer. It blocks
	// eviction so the staged copy always refers to a live frame.
	isWB bool

	// cooledBecauseOfReading is true iff the frame entered the cooling stage
	// as the product of a page load rather than a cool down.
	cooledBecauseOfReading bool

	lastWrittenLSN uint64

	// nextFree threads the frame into the free list. It stores the packed
	// index form used by FreeList, zero meaning none.
	nextFree uint32

	idx  uint32
	page []byte
}

func (bf *BufferFrame) Latch() *OptLock {
	return &bf.latch
}

func (bf *BufferFrame) State() State {
	return State(bf.state.Load())
}

func (bf *BufferFrame) setState(s State) {
	bf.state.Store(uint32(s))
}

func (bf *BufferFrame) PID() uint64 {
	return bf.pid.Load()
}

// IsDirty reports whether the page image carries modifications that have not
// reached disk yet.
func (bf *BufferFrame) IsDirty() bool {
	return bf.lastWrittenLSN != bf.PageLSN()
}

func (bf *BufferFrame) PageLSN() uint64 {
	return binary.BigEndian.Uint64(bf.page[pageLSNOff:])
}

// SetPageLSN stamps the page image with the LSN of its latest modification.
// Caller must hold the frame's latch exclusively.
func (bf *BufferFrame) SetPageLSN(lsn uint64) {
	binary.BigEndian.PutUint64(bf.page[pageLSNOff:], lsn)
}

func (bf *BufferFrame) Magic() uint64 {
	return binary.BigEndian.Uint64(bf.page[pageMagicOff:])
}

func (bf *BufferFrame) setMagic(pid uint64) {
	binary.BigEndian.PutUint64(bf.page[pageMagicOff:], pid)
}

func (bf *BufferFrame) DTID() DTID {
	return DTID(binary.BigEndian.Uint64(bf.page[pageDTIDOff:]))
}

// SetDTID records the owning datastructure instance in the page image so the
// registry can route callbacks after the page is reloaded from disk.
func (bf *BufferFrame) SetDTID(id DTID) {
	binary.BigEndian.PutUint64(bf.page[pageDTIDOff:], uint64(id))
}

// Payload returns the part of the page image that belongs to the owning
// datastructure.
func (bf *BufferFrame) Payload() []byte {
	return bf.page[PageHeaderSize:]
}

// Image returns the whole page image, header included.
func (bf *BufferFrame) Image() []byte {
	return bf.page
}

// reset reinitializes the header to the FREE default. The latch version is
// deliberately kept so that stale guards over a recycled frame can never
// validate. The page image is left as is; a FREE frame's payload is
// indeterminate.
func (bf *BufferFrame) reset() {
	bf.setState(StateFree)
	bf.pid.Store(0)
	bf.isWB = false
	bf.cooledBecauseOfReading = false
	bf.lastWrittenLSN = 0
	bf.nextFree = 0
}
