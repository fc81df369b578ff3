package buffer

import "sync/atomic"

// swizzleTag marks a swip word as swizzled. When set, the low bits carry the
// frame's index in the manager's arena; when clear, the word is a 63 bit page
// id. Keeping an index instead of a raw pointer keeps the word gc safe and
// still resolves to a frame in constant time.
const swizzleTag = uint64(1) << 63

// Swip is a tagged word that references a page either by its resident buffer
// frame or by its on disk page id. A swip may only be rewritten while the
// frame containing it is exclusively latched; readers load it once and
// validate the containing frame's guard afterwards.
type Swip struct {
	w atomic.Uint64
}

// PageSwip returns a swip in unswizzled form.
func PageSwip(pid uint64) *Swip {
	s := &Swip{}
	s.w.Store(pid)
	return s
}

// FrameSwip returns a swip in swizzled form referencing bf.
func FrameSwip(bf *BufferFrame) *Swip {
	s := &Swip{}
	s.Swizzle(bf)
	return s
}

func (s *Swip) Load() uint64 {
	return s.w.Load()
}

func (s *Swip) IsSwizzled() bool {
	return s.w.Load()&swizzleTag != 0
}

// PID interprets the swip as a page id. Only meaningful when unswizzled.
func (s *Swip) PID() uint64 {
	return s.w.Load() &^ swizzleTag
}

// Swizzle rewrites the swip to resident frame form. Caller must hold the
// containing frame's latch exclusively.
func (s *Swip) Swizzle(bf *BufferFrame) {
	s.w.Store(swizzleTag | uint64(bf.idx))
}

// Unswizzle rewrites the swip to page id form. Caller must hold the
// containing frame's latch exclusively.
func (s *Swip) Unswizzle(pid uint64) {
	s.w.Store(pid)
}

// RefersTo reports whether the swip is swizzled to exactly bf.
func (s *Swip) RefersTo(bf *BufferFrame) bool {
	w := s.w.Load()
	return isSwizzledWord(w) && frameIdxOfWord(w) == bf.idx
}

func isSwizzledWord(w uint64) bool {
	return w&swizzleTag != 0
}

func frameIdxOfWord(w uint64) uint32 {
	return uint32(w &^ swizzleTag)
}
