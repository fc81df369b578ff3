package buffer

import "swizzle/disk"

// frameFootprint approximates the DRAM cost of one frame, page image plus
// header, and is what the GiB based pool sizing divides by.
const frameFootprint = disk.PageSize + 128

// safetyPages is a small slack of extra frames appended to the arena beyond
// the pool size.
const safetyPages = 10

// Config enumerates every knob of the buffer manager.
type Config struct {
	// DRAMGiB sizes the frame pool: pool size = DRAMGiB << 30 / frame size.
	DRAMGiB float64

	// PoolSize overrides the GiB based sizing with an exact frame count when
	// nonzero. Mostly used by tests that want tiny pools.
	PoolSize int

	// SSDPath is the backing file, opened with direct io.
	SSDPath string

	// Trunc truncates the backing file on open.
	Trunc bool

	// FallocGiB preallocates this many GiB of the backing file.
	FallocGiB int

	// FreePercent is the minimum percentage of frames kept free; drives
	// eviction (phase 2).
	FreePercent int

	// CoolPercent is the minimum percentage of frames kept free or cooling;
	// drives the cool down of hot pages (phase 1).
	CoolPercent int

	// AsyncBatchSize caps outstanding asynchronous page flushes.
	AsyncBatchSize int

	// PrintDebug enables the diagnostics goroutine which prints one stats
	// line per second.
	PrintDebug bool
}

func DefaultConfig() Config {
	return Config{
		DRAMGiB:        1,
		SSDPath:        "swizzle.db",
		Trunc:          false,
		FallocGiB:      0,
		FreePercent:    10,
		CoolPercent:    20,
		AsyncBatchSize: 64,
		PrintDebug:     false,
	}
}

func (c Config) poolSize() int {
	if c.PoolSize > 0 {
		return c.PoolSize
	}
	return int(c.DRAMGiB * float64(uint64(1)<<30) / float64(frameFootprint))
}
