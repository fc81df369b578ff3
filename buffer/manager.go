package buffer

import (
	"fmt"
	"log"
	"sync/atomic"

	"swizzle/common"
	"swizzle/disk"
)

// allocSlack is the free list low watermark below which allocations and cold
// reads back off with ErrRestart to throttle demand until the page provider
// catches up.
const allocSlack = 10

// BufferManager mediates between the on disk page store and in memory
// datastructures whose swips reference either resident frames or on disk page
// ids. It owns the frame arena, the free list, the partition set, the disk
// manager and the background page provider.
type BufferManager struct {
	cfg      Config
	poolSize int

	bfs      []BufferFrame
	freeList *FreeList

	partition *Partition

	dm       disk.IDiskManager
	registry *DTRegistry

	coolingCounter atomic.Int64
	ssdUsedPages   atomic.Uint64

	stats Stats
	dbg   debugCounters

	keepRunning atomic.Bool
	bgThreads   atomic.Int64
}

// NewBufferManager allocates the frame arena, opens the backing file and
// starts the background threads.
func NewBufferManager(cfg Config) (*BufferManager, error) {
	poolSize := cfg.poolSize()
	if poolSize <= allocSlack {
		panic(fmt.Sprintf("pool size too small: %v", poolSize))
	}

	arena := disk.AlignedBlock((poolSize + safetyPages) * disk.PageSize)
	bfs := make([]BufferFrame, poolSize+safetyPages)
	for i := range bfs {
		bfs[i].idx = uint32(i)
		bfs[i].page = arena[i*disk.PageSize : (i+1)*disk.PageSize]
	}

	fl := NewFreeList(bfs)
	for i := 0; i < poolSize; i++ {
		fl.Push(&bfs[i])
	}

	dm, err := disk.NewManager(cfg.SSDPath, cfg.Trunc, cfg.FallocGiB)
	if err != nil {
		return nil, err
	}

	coolingUpperBound := cfg.CoolPercent * 3 * poolSize / 200
	m := &BufferManager{
		cfg:       cfg,
		poolSize:  poolSize,
		bfs:       bfs,
		freeList:  fl,
		partition: NewPartition(coolingUpperBound),
		dm:        dm,
		registry:  NewDTRegistry(),
	}
	m.keepRunning.Store(true)

	m.bgThreads.Add(1)
	go m.pageProvider()
	if cfg.PrintDebug {
		m.bgThreads.Add(1)
		go m.debugging()
	}

	log.Printf("buffer manager initialized, pool size: %v frames\n", poolSize)
	return m, nil
}

func (m *BufferManager) PoolSize() int {
	return m.poolSize
}

func (m *BufferManager) Registry() *DTRegistry {
	return m.registry
}

func (m *BufferManager) FreeList() *FreeList {
	return m.freeList
}

func (m *BufferManager) CoolingCount() int64 {
	return m.coolingCounter.Load()
}

func (m *BufferManager) Stats() *Stats {
	return &m.stats
}

// ConsumedPages returns the number of page slots handed out so far.
func (m *BufferManager) ConsumedPages() uint64 {
	return m.ssdUsedPages.Load()
}

// getPartition selects the partition owning pid. Single partition today; the
// indirection is kept because sharding is the intended evolution and touching
// every call site later would be intrusive.
func (m *BufferManager) getPartition(pid uint64) *Partition {
	_ = pid
	return m.partition
}

func (m *BufferManager) frameAt(word uint64) *BufferFrame {
	return &m.bfs[frameIdxOfWord(word)]
}

// AllocatePage returns an exclusively latched fresh HOT frame with a newly
// assigned pid. It fails with ErrRestart when the free list is near empty to
// throttle allocators under memory pressure. The caller must attach the frame
// to a datastructure by swizzling a swip to it before releasing the guard.
func (m *BufferManager) AllocatePage() (*BufferFrame, *ExclusiveGuard, error) {
	if m.freeList.Counter() < allocSlack {
		return nil, nil, ErrRestart
	}

	bf, err := m.freeList.Pop()
	if err != nil {
		return nil, nil, err
	}
	pid := m.ssdUsedPages.Add(1) - 1

	_, guard := lockExclusiveSpin(bf.Latch())
	bf.pid.Store(pid)
	bf.setState(StateHot)
	bf.lastWrittenLSN = 0
	bf.SetPageLSN(0)
	bf.setMagic(pid)
	return bf, guard, nil
}

// ReclaimPage returns an exclusively latched frame to the free list after
// detaching it from its datastructure. The latch is released here; guard must
// be the one protecting bf. The pid slot is not recycled.
func (m *BufferManager) ReclaimPage(bf *BufferFrame, guard *ExclusiveGuard) {
	bf.reset()
	guard.Unlock()
	m.freeList.Push(bf)
}

// ResolveSwip returns the resident frame a child swip refers to, loading the
// page from disk when necessary. swipGuard is the caller's optimistic guard
// over the frame containing the swip; the returned frame is only valid while
// that guard validates. Any slow path transition returns ErrRestart and the
// caller restarts its traversal from the top.
func (m *BufferManager) ResolveSwip(swipGuard *ReadGuard, swip *Swip) (*BufferFrame, error) {
	word := swip.Load()
	if isSwizzledWord(word) {
		bf := m.frameAt(word)
		if err := swipGuard.Recheck(); err != nil {
			return nil, err
		}
		return bf, nil
	}

	pid := word &^ swizzleTag
	partition := m.getPartition(pid)
	partition.mu.Lock()
	if err := swipGuard.Recheck(); err != nil {
		partition.mu.Unlock()
		return nil, err
	}

	cio := partition.Lookup(pid)
	if cio == nil {
		return nil, m.resolveMiss(partition, pid)
	}

	if cio.state == cioReading {
		// another thread is loading this page; rendezvous on the cio mutex
		// and restart once the winner finishes
		cio.readers.Add(1)
		partition.mu.Unlock()

		cio.mutex.Lock()
		cio.mutex.Unlock()

		if cio.readers.Add(-1) == 0 {
			partition.mu.Lock()
			if cio.readers.Load() == 0 {
				partition.Remove(pid)
			}
			partition.mu.Unlock()
		}
		return nil, ErrRestart
	}

	// cooling: the page is cold but resident, promote it back to HOT
	bf := cio.elem.Value.(*BufferFrame)
	if bf.PID() != pid {
		panic(fmt.Sprintf("cooling queue entry pid mismatch: %v != %v", bf.PID(), pid))
	}

	swipXGuard, err := swipGuard.Upgrade()
	if err != nil {
		partition.mu.Unlock()
		return nil, err
	}

	swip.Swizzle(bf)
	partition.cooling.Remove(cio.elem)
	m.coolingCounter.Add(-1)
	if bf.State() != StateCold {
		panic(fmt.Sprintf("re-swizzled a frame that is not cold, state: %v", bf.State()))
	}
	// set to HOT only after the swip points at the frame, readers must never
	// observe a hot frame whose payload is not yet reachable
	bf.setState(StateHot)

	shouldClean := true
	if bf.cooledBecauseOfReading {
		if cio.readers.Add(-1) > 0 {
			shouldClean = false
		}
	}
	if shouldClean {
		partition.Remove(pid)
	}
	m.stats.SwizzledPages.Add(1)

	swipXGuard.Unlock()
	partition.mu.Unlock()
	return bf, nil
}

// resolveMiss handles the cold miss: the page is not resident at all. Called
// with the partition mutex held; always returns ErrRestart or blocks demand
// until frames are available.
func (m *BufferManager) resolveMiss(partition *Partition, pid uint64) error {
	if m.freeList.Counter() < allocSlack {
		partition.mu.Unlock()
		common.SpinWhile(func() bool {
			return m.keepRunning.Load() && m.freeList.Counter() < allocSlack
		})
		return ErrRestart
	}

	bf, err := m.freeList.Pop()
	if err != nil {
		partition.mu.Unlock()
		return err
	}
	_, bfXGuard := lockExclusiveSpin(bf.Latch())

	cio := partition.Insert(pid)
	cio.state = cioReading
	cio.readers.Store(1)
	cio.mutex.Lock()
	partition.mu.Unlock()

	// io happens without the partition mutex, holding only the new frame's
	// private exclusive latch and the cio mutex other readers block on
	m.readPageInto(pid, bf)
	bf.lastWrittenLSN = bf.PageLSN()
	bf.setState(StateCold)
	bf.isWB = false
	bf.pid.Store(pid)

	partition.mu.Lock()
	cio.state = cioCooling
	cio.elem = partition.cooling.PushBack(bf)
	m.coolingCounter.Add(1)
	bf.cooledBecauseOfReading = true
	bfXGuard.Unlock()
	partition.mu.Unlock()

	// releases every waiter of case READING at once
	cio.mutex.Unlock()
	return ErrRestart
}

func (m *BufferManager) readPageInto(pid uint64, bf *BufferFrame) {
	common.PanicIfErr(m.dm.ReadPage(pid, bf.Image()))
	if magic := bf.Magic(); magic != pid {
		panic(fmt.Sprintf("page %v read from disk carries magic number %v", pid, magic))
	}
}

// ReadPageSync reads page pid from disk into dst, bypassing the pool. dst
// must be one page long and block aligned.
func (m *BufferManager) ReadPageSync(pid uint64, dst []byte) error {
	return m.dm.ReadPage(pid, dst)
}

// FDataSync flushes the backing file's data to stable storage.
func (m *BufferManager) FDataSync() error {
	return m.dm.FDataSync()
}

func (m *BufferManager) RegisterDatastructureType(t DTType, meta DTMeta) {
	m.registry.RegisterType(t, meta)
}

func (m *BufferManager) RegisterDatastructureInstance(t DTType, root any) DTID {
	return m.registry.RegisterInstance(t, root)
}

// StopBackgroundThreads signals the page provider and the diagnostics
// goroutine to exit and waits until both observed the signal.
func (m *BufferManager) StopBackgroundThreads() {
	m.keepRunning.Store(false)
	common.SpinWhile(func() bool { return m.bgThreads.Load() > 0 })
}

// Close stops the background threads and closes the backing file.
func (m *BufferManager) Close() error {
	m.StopBackgroundThreads()
	m.stats.Print()
	return m.dm.Close()
}

// Persist is a placeholder for a durable shutdown; whether flushed pages
// survive restart is future work.
// TODO: flush and drop all pages before closing.
func (m *BufferManager) Persist() {
	m.StopBackgroundThreads()
	m.stats.Print()
	m.stats.Reset()
}

// Restore is a placeholder for recovery after Persist.
// TODO: rebuild the pool from the backing file.
func (m *BufferManager) Restore() {
}

// ClearSSD is a placeholder for truncating the backing file.
// TODO: truncate the backing file and reset the pid counter.
func (m *BufferManager) ClearSSD() {
}

// lockExclusiveSpin exclusively latches a frame that is private to the
// caller, a frame just popped from the free list. A stale guard over the
// frame's previous life can never win the upgrade race for long, so this
// terminates immediately in practice.
func lockExclusiveSpin(l *OptLock) (*ReadGuard, *ExclusiveGuard) {
	for {
		g := l.ReadLock()
		if x, err := g.Upgrade(); err == nil {
			return &g, x
		}
	}
}
