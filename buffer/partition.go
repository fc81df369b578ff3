package buffer

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type cioState uint8

const (
	cioReading cioState = iota
	cioCooling
)

// CIOFrame describes the cooling or in-flight-read status of one page. It is
// created when a page starts loading or enters the cooling stage and removed
// when the frame is evicted or re-swizzled with no remaining waiters.
type CIOFrame struct {
	state cioState

	// elem is the page's entry in the cooling queue, valid while state is
	// cioCooling.
	elem *list.Element

	// mutex is the rendezvous point for readers of a page that is being
	// loaded: the loader holds it for the duration of the read, waiters block
	// on it and unblock all at once when the loader releases.
	mutex sync.Mutex

	readers atomic.Int64
}

// Partition owns a cooling queue and the hash table indexing it. One mutex
// serializes every mutation of either structure. Partition selection is a
// pure function of the page id so that sharding can be added without touching
// callers; today there is a single partition.
type Partition struct {
	mu sync.Mutex

	// cooling holds *BufferFrame entries in approximate fifo order. Insertions
	// happen at the tail, erasures at arbitrary positions, which is why a
	// linked list with stable elements is used rather than a ring.
	cooling *list.List

	ht map[uint64]*CIOFrame
}

func NewPartition(sizeHint int) *Partition {
	return &Partition{
		cooling: list.New(),
		ht:      make(map[uint64]*CIOFrame, sizeHint),
	}
}

// Has reports whether pid is being read or cooled. Caller must hold mu.
func (p *Partition) Has(pid uint64) bool {
	_, ok := p.ht[pid]
	return ok
}

// Lookup returns the CIOFrame for pid or nil. Caller must hold mu.
func (p *Partition) Lookup(pid uint64) *CIOFrame {
	return p.ht[pid]
}

// Insert creates a fresh CIOFrame for pid. Caller must hold mu and must have
// checked that pid is absent.
func (p *Partition) Insert(pid uint64) *CIOFrame {
	cio := &CIOFrame{}
	p.ht[pid] = cio
	return cio
}

// Remove drops pid's CIOFrame from the hash table. Caller must hold mu.
func (p *Partition) Remove(pid uint64) {
	delete(p.ht, pid)
}
