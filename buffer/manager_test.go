package buffer

import (
	"encoding/binary"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swizzle/common"
	"swizzle/disk"
)

func newTestManager(t *testing.T, cfg Config) *BufferManager {
	if cfg.SSDPath == "" {
		cfg.SSDPath = uuid.New().String()
		cfg.Trunc = true
	}
	if cfg.FreePercent == 0 {
		cfg.FreePercent = 10
	}
	if cfg.CoolPercent == 0 {
		cfg.CoolPercent = 20
	}
	if cfg.AsyncBatchSize == 0 {
		cfg.AsyncBatchSize = 16
	}

	m, err := NewBufferManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, m.Close())
		common.Remove(cfg.SSDPath)
	})
	return m
}

// testDirectory is a flat datastructure used to drive the manager in tests:
// a latched root object holding one swip per page, every page a leaf.
type testDirectory struct {
	latch OptLock
	swips []*Swip
	m     *BufferManager
	id    DTID
}

const testDirectoryType DTType = 1

func registerTestDirectoryType(m *BufferManager) {
	m.RegisterDatastructureType(testDirectoryType, DTMeta{
		IterateChildren: func(root any, bf *BufferFrame, visit SwipVisitor) error {
			// pages of a directory are leaves, nothing to visit
			return nil
		},
		FindParent: func(root any, bf *BufferFrame) (ParentSwipHandler, error) {
			d := root.(*testDirectory)
			g := d.latch.ReadLock()
			for _, s := range d.swips {
				if s.RefersTo(bf) {
					if err := g.Recheck(); err != nil {
						return ParentSwipHandler{}, err
					}
					return ParentSwipHandler{Swip: s, Guard: g}, nil
				}
			}
			return ParentSwipHandler{}, ErrRestart
		},
	})
}

func newTestDirectory(m *BufferManager, capacity int) *testDirectory {
	registerTestDirectoryType(m)
	d := &testDirectory{m: m, swips: make([]*Swip, 0, capacity)}
	d.id = m.RegisterDatastructureInstance(testDirectoryType, d)
	return d
}

// newTestDirectoryWithPids builds a directory whose pages already live on
// disk, every swip unswizzled.
func newTestDirectoryWithPids(m *BufferManager, pids []uint64) *testDirectory {
	d := newTestDirectory(m, len(pids))
	for _, pid := range pids {
		d.swips = append(d.swips, PageSwip(pid))
	}
	return d
}

// alloc creates a page, lets write fill it while exclusively latched and
// attaches it to the directory. Restarts from allocation pressure are waited
// out, the page provider frees frames in the background.
func (d *testDirectory) alloc(write func(bf *BufferFrame)) int {
	for {
		bf, xg, err := d.m.AllocatePage()
		if IsRestart(err) {
			runtime.Gosched()
			continue
		}
		common.PanicIfErr(err)

		bf.SetDTID(d.id)
		write(bf)

		for {
			g := d.latch.ReadLock()
			dxg, err := g.Upgrade()
			if err != nil {
				runtime.Gosched()
				continue
			}
			d.swips = append(d.swips, FrameSwip(bf))
			dxg.Unlock()
			break
		}
		xg.Unlock()
		return len(d.swips) - 1
	}
}

// update resolves slot i, exclusively latches the frame and lets fn modify
// it, restarting the traversal until it sticks.
func (d *testDirectory) update(i int, fn func(bf *BufferFrame)) {
	for {
		g := d.latch.ReadLock()
		bf, err := d.m.ResolveSwip(&g, d.swips[i])
		if err != nil {
			runtime.Gosched()
			continue
		}

		fg := bf.Latch().ReadLock()
		if g.Recheck() != nil {
			continue
		}
		fxg, err := fg.Upgrade()
		if err != nil {
			continue
		}
		fn(bf)
		fxg.Unlock()
		return
	}
}

// read resolves slot i and copies its payload into out under optimistic
// validation. Returns the page LSN observed with the copy.
func (d *testDirectory) read(i int, out []byte) uint64 {
	for {
		g := d.latch.ReadLock()
		bf, err := d.m.ResolveSwip(&g, d.swips[i])
		if err != nil {
			runtime.Gosched()
			continue
		}

		fg := bf.Latch().ReadLock()
		if g.Recheck() != nil {
			continue
		}
		copy(out, bf.Payload())
		lsn := bf.PageLSN()
		if fg.Recheck() != nil {
			continue
		}
		return lsn
	}
}

// frameOf resolves slot i to its resident frame. The pointer is only
// meaningful while no one moves the page, tests call it in quiescent phases.
func (d *testDirectory) frameOf(i int) *BufferFrame {
	for {
		g := d.latch.ReadLock()
		bf, err := d.m.ResolveSwip(&g, d.swips[i])
		if err != nil {
			continue
		}
		if g.Recheck() == nil {
			return bf
		}
	}
}

// authorPages writes n pages straight to the backing file, LSN pid+1 and the
// pid stamped into the payload, owned by the first registered instance.
func authorPages(t *testing.T, path string, n int) []uint64 {
	d, err := disk.NewManager(path, true, 0)
	require.NoError(t, err)

	pids := make([]uint64, 0, n)
	page := disk.AlignedBlock(disk.PageSize)
	for pid := uint64(0); pid < uint64(n); pid++ {
		binary.BigEndian.PutUint64(page[pageLSNOff:], pid+1)
		binary.BigEndian.PutUint64(page[pageMagicOff:], pid)
		binary.BigEndian.PutUint64(page[pageDTIDOff:], 1)
		binary.BigEndian.PutUint64(page[PageHeaderSize:], pid)
		require.NoError(t, d.WritePage(page, pid))
		pids = append(pids, pid)
	}
	require.NoError(t, d.FDataSync())
	require.NoError(t, d.Close())
	return pids
}

func TestAllocated_Pages_Should_Survive_Eviction_Round_Trips(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 256})
	d := newTestDirectory(m, 1000)

	// 1000 pages through a 256 frame pool forces the provider to cool, flush
	// and evict continuously
	pids := make([]uint64, 0, 1000)
	for i := 0; i < 1000; i++ {
		d.alloc(func(bf *BufferFrame) {
			bf.SetPageLSN(bf.PID() + 1)
			binary.BigEndian.PutUint64(bf.Payload(), bf.PID())
			pids = append(pids, bf.PID())
		})
	}

	buf := make([]byte, PayloadSize)
	for i, pid := range pids {
		lsn := d.read(i, buf)
		assert.Equal(t, pid+1, lsn)
		assert.Equal(t, pid, binary.BigEndian.Uint64(buf))
	}

	assert.EqualValues(t, 1000, m.ConsumedPages())
	assert.Greater(t, m.Stats().FlushedPages.Load(), uint64(0))
}

func TestCold_Path_Resolve_Should_Restart_Then_Return_Hot_Frame(t *testing.T) {
	path := uuid.New().String()
	pids := authorPages(t, path, 40)

	m := newTestManager(t, Config{PoolSize: 32, SSDPath: path})
	d := newTestDirectoryWithPids(m, pids)
	require.EqualValues(t, 1, d.id)

	// first call pays the disk read and restarts, second call finds the page
	// in the cooling stage and promotes it
	g := d.latch.ReadLock()
	_, err := m.ResolveSwip(&g, d.swips[7])
	require.True(t, IsRestart(err))

	g = d.latch.ReadLock()
	bf, err := m.ResolveSwip(&g, d.swips[7])
	require.NoError(t, err)
	assert.Equal(t, StateHot, bf.State())
	assert.EqualValues(t, 7, bf.PID())
	assert.EqualValues(t, 8, bf.PageLSN())
	assert.EqualValues(t, 7, binary.BigEndian.Uint64(bf.Payload()))
	assert.True(t, d.swips[7].IsSwizzled())
}

func TestConcurrent_Cold_Path_Resolve_Should_Read_Page_Once(t *testing.T) {
	path := uuid.New().String()
	pids := authorPages(t, path, 8)

	m := newTestManager(t, Config{PoolSize: 32, SSDPath: path})
	d := newTestDirectoryWithPids(m, pids)
	require.EqualValues(t, 1, d.id)

	ioBefore := m.dm.(*disk.Manager).IOOps()

	const readers = 16
	frames := make([]*BufferFrame, readers)
	done := make(chan int, readers)
	for r := 0; r < readers; r++ {
		go func(r int) {
			buf := make([]byte, PayloadSize)
			d.read(3, buf)
			frames[r] = d.frameOf(3)
			done <- r
		}(r)
	}
	for i := 0; i < readers; i++ {
		<-done
	}

	// exactly one reader performed the disk read
	assert.EqualValues(t, ioBefore+1, m.dm.(*disk.Manager).IOOps())

	// every reader saw the same resident frame
	for r := 1; r < readers; r++ {
		assert.Same(t, frames[0], frames[r])
	}
	assert.Equal(t, StateHot, frames[0].State())

	// the hash table does not retain a stale cio frame for the pid
	require.Eventually(t, func() bool {
		p := m.getPartition(3)
		p.mu.Lock()
		defer p.mu.Unlock()
		return !p.Has(3)
	}, time.Second, time.Millisecond)
}

func TestDirty_Pages_Should_Be_Flushed_Before_Eviction(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 64, FreePercent: 25, CoolPercent: 40})
	d := newTestDirectory(m, 200)

	for i := 0; i < 200; i++ {
		d.alloc(func(bf *BufferFrame) {
			bf.SetPageLSN(bf.PID() + 1)
			binary.BigEndian.PutUint64(bf.Payload(), bf.PID())
		})
	}

	// at least pool overflow many dirty pages must have been flushed; evicted
	// frames are only reused after their image reached disk
	require.Eventually(t, func() bool {
		return m.Stats().FlushedPages.Load() >= 200-64
	}, 10*time.Second, 10*time.Millisecond)

	buf := make([]byte, PayloadSize)
	for i := 0; i < 200; i++ {
		lsn := d.read(i, buf)
		assert.EqualValues(t, binary.BigEndian.Uint64(buf)+1, lsn)
	}
}

func TestProvider_Should_Hold_Free_And_Cooling_Watermarks(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 1000})
	d := newTestDirectory(m, 950)

	for i := 0; i < 950; i++ {
		d.alloc(func(bf *BufferFrame) {
			bf.SetPageLSN(bf.PID() + 1)
			binary.BigEndian.PutUint64(bf.Payload(), bf.PID())
		})
	}

	// free=10%, cool=20% of 1000 frames, allow a small epsilon for in-flight
	// transitions
	require.Eventually(t, func() bool {
		free := m.FreeList().Counter()
		cooling := m.CoolingCount()
		return free >= 90 && free+cooling >= 180
	}, 15*time.Second, 10*time.Millisecond)
}

func TestReswizzled_Frame_In_Write_Back_Must_Not_Be_Evicted(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 32})
	d := newTestDirectory(m, 4)

	slot := d.alloc(func(bf *BufferFrame) {
		bf.SetPageLSN(1)
		binary.BigEndian.PutUint64(bf.Payload(), 99)
	})

	// drive the provider by hand from here on
	m.StopBackgroundThreads()

	bf := d.frameOf(slot)
	require.Equal(t, StateHot, bf.State())

	// cool the page, then stage its flush
	cooled := newTestRand()
	cand := bf
	for m.CoolingCount() == 0 {
		_ = m.coolPage(&cand, cooled)
		cand = bf
	}
	require.Equal(t, StateCold, bf.State())

	awb := NewAsyncWriteBuffer(m.dm, 4)
	defer awb.Close()
	partition := m.getPartition(bf.PID())
	partition.mu.Lock()
	require.True(t, awb.Add(bf))
	partition.mu.Unlock()
	require.True(t, bf.isWB)

	// a reader touches the page while the write is in flight
	buf := make([]byte, PayloadSize)
	d.read(slot, buf)
	require.Equal(t, StateHot, bf.State())

	// the completed write must be acknowledged without evicting the frame
	m.reapWrites(awb)
	assert.Equal(t, StateHot, bf.State())
	assert.False(t, bf.isWB)
	assert.EqualValues(t, 1, bf.lastWrittenLSN)
	assert.NotEqual(t, StateFree, bf.State())
	assert.EqualValues(t, 99, binary.BigEndian.Uint64(bf.Payload()))
}

func TestConcurrent_Workload_Should_Preserve_Pool_Invariants(t *testing.T) {
	const poolSize = 64
	const pages = 128
	m := newTestManager(t, Config{PoolSize: poolSize, FreePercent: 25, CoolPercent: 40})
	d := newTestDirectory(m, pages)

	for i := 0; i < pages; i++ {
		slot := uint64(i)
		d.alloc(func(bf *BufferFrame) {
			bf.SetPageLSN(1)
			binary.BigEndian.PutUint64(bf.Payload(), slot)
		})
	}

	const workers = 8
	var torn atomic.Bool
	done := make(chan struct{}, workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			rnd := newTestRand()
			buf := make([]byte, PayloadSize)
			for i := 0; i < 300; i++ {
				slot := rnd.Intn(pages)
				if i%3 == 0 {
					d.update(slot, func(bf *BufferFrame) {
						bf.SetPageLSN(bf.PageLSN() + 1)
						binary.BigEndian.PutUint64(bf.Payload(), uint64(slot))
					})
				} else {
					d.read(slot, buf)
					if got := binary.BigEndian.Uint64(buf); got != uint64(slot) {
						torn.Store(true)
					}
				}
			}
			done <- struct{}{}
		}(w)
	}
	for w := 0; w < workers; w++ {
		<-done
	}
	assert.False(t, torn.Load(), "a reader observed a torn payload")

	m.StopBackgroundThreads()

	// every frame is in exactly one of the three states and the approximate
	// counters agree with the ground truth once the pool is quiescent
	var free, cold, hot int64
	for i := 0; i < poolSize; i++ {
		switch m.bfs[i].State() {
		case StateFree:
			free++
		case StateCold:
			cold++
		case StateHot:
			hot++
		}
	}
	assert.EqualValues(t, poolSize, free+cold+hot)
	assert.Equal(t, free, m.FreeList().Counter())
	assert.Equal(t, cold, m.CoolingCount())

	buf := make([]byte, PayloadSize)
	for i := 0; i < pages; i++ {
		d.read(i, buf)
		assert.EqualValues(t, i, binary.BigEndian.Uint64(buf))
	}
}

func TestResolve_Swip_Should_Be_Idempotent_For_Hot_Frames(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 32})
	d := newTestDirectory(m, 1)
	slot := d.alloc(func(bf *BufferFrame) {
		bf.SetPageLSN(1)
	})

	g := d.latch.ReadLock()
	first, err := m.ResolveSwip(&g, d.swips[slot])
	require.NoError(t, err)
	require.NoError(t, g.Recheck())
	second, err := m.ResolveSwip(&g, d.swips[slot])
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestReclaimed_Frames_Should_Return_To_The_Free_List(t *testing.T) {
	m := newTestManager(t, Config{PoolSize: 32})

	bf, xg, err := m.AllocatePage()
	require.NoError(t, err)
	before := m.FreeList().Counter()

	m.ReclaimPage(bf, xg)
	assert.Equal(t, StateFree, bf.State())
	assert.Equal(t, before+1, m.FreeList().Counter())
}
