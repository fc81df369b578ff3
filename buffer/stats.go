package buffer

import (
	"log"
	"sync/atomic"
)

// Stats are the manager wide counters. All fields are monotonic except where
// Reset is called.
type Stats struct {
	SwizzledPages   atomic.Uint64
	UnswizzledPages atomic.Uint64
	FlushedPages    atomic.Uint64
}

func (s *Stats) Print() {
	log.Printf("buffer manager stats: swizzled=%d unswizzled=%d flushed=%d\n",
		s.SwizzledPages.Load(), s.UnswizzledPages.Load(), s.FlushedPages.Load())
}

func (s *Stats) Reset() {
	s.SwizzledPages.Store(0)
	s.UnswizzledPages.Store(0)
	s.FlushedPages.Store(0)
}

// debugCounters feed the diagnostics goroutine. They are exchanged to zero on
// every print.
type debugCounters struct {
	phase1Micros atomic.Int64
	phase2Micros atomic.Int64
	phase3Micros atomic.Int64

	evictedPages        atomic.Uint64
	awritesSubmitted    atomic.Uint64
	awritesSubmitFailed atomic.Uint64
	ppRounds            atomic.Uint64
}
