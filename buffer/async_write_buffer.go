package buffer

import (
	"encoding/binary"

	"swizzle/common"
	"swizzle/disk"
)

// writeSlot is one staging buffer of the async writer. The page image is
// copied into buf at add time so the write is decoupled from any concurrent
// in place modification of the frame; lsn records the page LSN observed in
// that copy.
type writeSlot struct {
	bf  *BufferFrame
	pid uint64
	lsn uint64
	buf []byte
}

// AsyncWriteBuffer batches page flushes and issues them from a background
// writer goroutine so the page provider never blocks on io. At most batchSize
// flushes are outstanding. A frame added here must not be reused until the
// GetWrittenBfs visitor saw it, which the provider guarantees by never
// evicting frames whose isWB is set.
type AsyncWriteBuffer struct {
	dm        disk.IDiskManager
	batchSize int

	slots    []writeSlot
	free     []int
	pending  []int
	inFlight int
	ready    []int

	submitCh chan int
	doneCh   chan int
}

func NewAsyncWriteBuffer(dm disk.IDiskManager, batchSize int) *AsyncWriteBuffer {
	w := &AsyncWriteBuffer{
		dm:        dm,
		batchSize: batchSize,
		slots:     make([]writeSlot, batchSize),
		free:      make([]int, 0, batchSize),
		pending:   make([]int, 0, batchSize),
		ready:     make([]int, 0, batchSize),
		submitCh:  make(chan int, batchSize),
		doneCh:    make(chan int, batchSize),
	}
	for i := range w.slots {
		w.slots[i].buf = disk.AlignedBlock(disk.PageSize)
		w.free = append(w.free, i)
	}
	go w.writer()
	return w
}

// Add stages a flush of bf's page. It returns false when the buffer is
// saturated. On success the frame's isWB flag is set; caller must hold the
// owning partition's mutex.
func (w *AsyncWriteBuffer) Add(bf *BufferFrame) bool {
	if len(w.free) == 0 {
		return false
	}

	i := w.free[len(w.free)-1]
	w.free = w.free[:len(w.free)-1]

	slot := &w.slots[i]
	slot.bf = bf
	slot.pid = bf.PID()
	copy(slot.buf, bf.Image())
	slot.lsn = binary.BigEndian.Uint64(slot.buf[pageLSNOff:])

	bf.isWB = true
	w.pending = append(w.pending, i)
	return true
}

// SubmitIfNecessary hands every staged slot to the writer goroutine.
func (w *AsyncWriteBuffer) SubmitIfNecessary() {
	for _, i := range w.pending {
		w.submitCh <- i
		w.inFlight++
	}
	w.pending = w.pending[:0]
}

// PollEventsSync waits for every submitted write to complete and returns how
// many finished since the last poll.
func (w *AsyncWriteBuffer) PollEventsSync() int {
	polled := 0
	for w.inFlight > 0 {
		i := <-w.doneCh
		w.ready = append(w.ready, i)
		w.inFlight--
		polled++
	}
	return polled
}

// GetWrittenBfs invokes visit for each of the first n completed writes with
// the frame and the LSN the staged copy carried, then reclaims the slot.
func (w *AsyncWriteBuffer) GetWrittenBfs(visit func(bf *BufferFrame, writtenLSN uint64), n int) {
	if n > len(w.ready) {
		n = len(w.ready)
	}
	for _, i := range w.ready[:n] {
		slot := &w.slots[i]
		visit(slot.bf, slot.lsn)
		slot.bf = nil
		w.free = append(w.free, i)
	}
	w.ready = w.ready[n:]
}

// Close stops the writer goroutine after it has written the slots already
// submitted. It does not wait for those writes, and slots staged but not yet
// submitted are not written.
func (w *AsyncWriteBuffer) Close() {
	close(w.submitCh)
}

func (w *AsyncWriteBuffer) writer() {
	for i := range w.submitCh {
		slot := &w.slots[i]
		// a flush failure is fatal at this layer, there is no caller that
		// could meaningfully handle a half persisted pool
		common.PanicIfErr(w.dm.WritePage(slot.buf, slot.pid))
		w.doneCh <- i
	}
}
