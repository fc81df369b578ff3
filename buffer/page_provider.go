package buffer

import (
	"container/list"
	"fmt"
	"log"
	"math/rand"
	"time"
)

// pageProvider is the single background policy thread. It cools hot pages
// when the free plus cooling reserve runs low, evicts or flushes cold pages
// when the free reserve runs low, and reaps completed flushes. Worker threads
// only produce demand through ResolveSwip and AllocatePage.
func (m *BufferManager) pageProvider() {
	defer m.bgThreads.Add(-1)

	awb := NewAsyncWriteBuffer(m.dm, m.cfg.AsyncBatchSize)
	defer awb.Close()

	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	freePagesLimit := int64(m.cfg.FreePercent * m.poolSize / 100)
	coolingPagesLimit := int64(m.cfg.CoolPercent * m.poolSize / 100)

	phase1Condition := func() bool {
		return m.freeList.Counter()+m.coolingCounter.Load() < coolingPagesLimit
	}
	phase2Condition := func() bool {
		return m.freeList.Counter() < freePagesLimit
	}
	phase3Condition := func() bool {
		return m.coolingCounter.Load() > 0
	}

	rBuf := m.randomFrame(rnd)
	for m.keepRunning.Load() {
		phase1Begin := time.Now()
		for phase1Condition() && m.keepRunning.Load() {
			if err := m.coolPage(&rBuf, rnd); err != nil {
				// restarts only mean the candidate moved under us, resample
				rBuf = m.randomFrame(rnd)
			}
		}

		phase2Begin := time.Now()
		if phase2Condition() {
			m.evictOrFlushColdPages(awb, freePagesLimit)
		}

		phase3Begin := time.Now()
		if phase3Condition() {
			m.reapWrites(awb)
		}
		end := time.Now()

		m.dbg.phase1Micros.Add(phase2Begin.Sub(phase1Begin).Microseconds())
		m.dbg.phase2Micros.Add(phase3Begin.Sub(phase2Begin).Microseconds())
		m.dbg.phase3Micros.Add(end.Sub(phase3Begin).Microseconds())
		m.dbg.ppRounds.Add(1)
	}
	log.Printf("page provider stopped\n")
}

func (m *BufferManager) randomFrame(rnd *rand.Rand) *BufferFrame {
	return &m.bfs[rnd.Intn(m.poolSize)]
}

// coolPage runs one phase 1 step: it inspects *rBuf and either resamples,
// descends to a resident child, or moves the frame into the cooling stage.
// Returning an error means an optimistic validation failed and the caller
// should resample.
func (m *BufferManager) coolPage(rBuf **BufferFrame, rnd *rand.Rand) error {
	bf := *rBuf
	guard := bf.Latch().ReadLock()
	if bf.State() != StateHot {
		*rBuf = m.randomFrame(rnd)
		return nil
	}
	if err := guard.Recheck(); err != nil {
		return err
	}

	// never unswizzle a page whose children are resident; descending to a
	// swizzled child keeps eviction order leaf first
	pickedChild := false
	err := m.registry.IterateChildrenSwips(bf.DTID(), bf, func(swip *Swip) (bool, error) {
		if swip.IsSwizzled() {
			*rBuf = m.frameAt(swip.Load())
			if err := guard.Recheck(); err != nil {
				return false, err
			}
			pickedChild = true
			return false, nil
		}
		if err := guard.Recheck(); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if pickedChild {
		return nil
	}

	// terminal frame, unswizzle it
	pid := bf.PID()
	xGuard, err := guard.Upgrade()
	if err != nil {
		return err
	}
	defer xGuard.Unlock()

	parent, err := m.registry.FindParent(bf.DTID(), bf)
	if err != nil {
		return err
	}
	parentXGuard, err := parent.Guard.Upgrade()
	if err != nil {
		return err
	}
	defer parentXGuard.Unlock()

	partition := m.getPartition(pid)
	partition.mu.Lock()
	defer partition.mu.Unlock()

	if bf.State() != StateHot {
		panic(fmt.Sprintf("cooling candidate changed state under exclusive latch: %v", bf.State()))
	}
	if w := parent.Swip.Load(); !isSwizzledWord(w) || frameIdxOfWord(w) != bf.idx {
		panic("parent swip does not reference the cooling candidate")
	}

	if partition.Has(pid) {
		// some thread is still in the reading stage for this pid
		*rBuf = m.randomFrame(rnd)
		return nil
	}

	cio := partition.Insert(pid)
	cio.state = cioCooling
	cio.elem = partition.cooling.PushBack(bf)
	bf.setState(StateCold)
	bf.cooledBecauseOfReading = false
	parent.Swip.Unswizzle(pid)
	m.coolingCounter.Add(1)
	m.stats.UnswizzledPages.Add(1)

	*rBuf = m.randomFrame(rnd)
	return nil
}

// evictOrFlushColdPages runs phase 2: it scans the cooling queue from the
// front, reclaims clean frames and stages dirty ones into the async writer.
func (m *BufferManager) evictOrFlushColdPages(awb *AsyncWriteBuffer, freePagesLimit int64) {
	partition := m.getPartition(0)
	partition.mu.Lock()
	defer partition.mu.Unlock()

	pagesLeftToProcess := freePagesLimit - m.freeList.Counter()
	elem := partition.cooling.Front()
	for pagesLeftToProcess > 0 && elem != nil {
		pagesLeftToProcess--
		next := elem.Next()
		bf := elem.Value.(*BufferFrame)

		if !bf.isWB && !bf.cooledBecauseOfReading {
			if !bf.IsDirty() {
				m.evictLocked(partition, bf, elem)
			} else {
				if awb.Add(bf) {
					m.dbg.awritesSubmitted.Add(1)
				} else {
					m.dbg.awritesSubmitFailed.Add(1)
				}
			}
		}
		elem = next
	}
}

// evictLocked reclaims a clean cold frame: drops the cio frame and the queue
// entry, reinitializes the header and pushes the frame to the free list.
// Caller holds the partition mutex.
func (m *BufferManager) evictLocked(partition *Partition, bf *BufferFrame, elem *list.Element) {
	pid := bf.PID()
	cio := partition.Lookup(pid)
	if cio == nil || cio.state != cioCooling {
		panic(fmt.Sprintf("evicting page %v without a cooling cio frame", pid))
	}
	if bf.State() != StateCold {
		panic(fmt.Sprintf("evicting a frame that is not cold, state: %v", bf.State()))
	}

	partition.cooling.Remove(elem)
	partition.Remove(pid)

	bf.reset()
	m.freeList.Push(bf)
	m.coolingCounter.Add(-1)
	m.dbg.evictedPages.Add(1)
}

// reapWrites runs phase 3: submit staged writes, wait for completions, then
// apply the written LSNs and evict frames that stayed cold.
func (m *BufferManager) reapWrites(awb *AsyncWriteBuffer) {
	awb.SubmitIfNecessary()
	polled := awb.PollEventsSync()

	partition := m.getPartition(0)
	partition.mu.Lock()
	defer partition.mu.Unlock()

	awb.GetWrittenBfs(func(bf *BufferFrame, writtenLSN uint64) {
		if !bf.isWB {
			panic(fmt.Sprintf("written frame %v lost its write back flag", bf.PID()))
		}
		bf.lastWrittenLSN = writtenLSN
		bf.isWB = false
		m.stats.FlushedPages.Add(1)

		// evict only if no reader re-swizzled the frame while the write was
		// in flight; a hot frame just keeps the fresher written lsn. The
		// dirty check covers a frame that was re-swizzled, modified and
		// cooled again during the write, it must be flushed once more before
		// it may leave DRAM
		if bf.State() == StateCold && !bf.IsDirty() {
			cio := partition.Lookup(bf.PID())
			m.evictLocked(partition, bf, cio.elem)
		}
	}, polled)
}

// debugging prints one diagnostics line per second while enabled.
func (m *BufferManager) debugging() {
	defer m.bgThreads.Add(-1)

	log.Printf("p1\tp2\tp3\tfree_bfs\tcooling_bfs\tevicted_bfs\tawrites_submitted\tawrites_failed\tpp_rounds\n")
	for m.keepRunning.Load() {
		p1 := m.dbg.phase1Micros.Swap(0)
		p2 := m.dbg.phase2Micros.Swap(0)
		p3 := m.dbg.phase3Micros.Swap(0)
		if total := p1 + p2 + p3; total > 0 {
			log.Printf("p1:%d\tp2:%d\tp3:%d\tf:%d\tc:%d\te:%d\tas:%d\taf:%d\tpr:%d\n",
				p1*100/total, p2*100/total, p3*100/total,
				m.freeList.Counter(), m.coolingCounter.Load(),
				m.dbg.evictedPages.Swap(0),
				m.dbg.awritesSubmitted.Swap(0),
				m.dbg.awritesSubmitFailed.Swap(0),
				m.dbg.ppRounds.Swap(0))
		}
		time.Sleep(time.Second)
	}
}
