package main

import (
	"encoding/binary"
	"log"
	"runtime"

	"swizzle/buffer"
)

// a small demo: a flat directory of pages pushed through a pool that is too
// small to hold them, so the page provider cools, flushes and evicts while we
// keep allocating.

type directory struct {
	latch buffer.OptLock
	swips []*buffer.Swip
	id    buffer.DTID
}

const directoryType buffer.DTType = 1

func main() {
	m, err := buffer.NewBufferManager(buffer.Config{
		PoolSize:       64,
		SSDPath:        "sa",
		Trunc:          true,
		FreePercent:    10,
		CoolPercent:    20,
		AsyncBatchSize: 16,
		PrintDebug:     true,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	dir := &directory{swips: make([]*buffer.Swip, 0, 500)}
	m.RegisterDatastructureType(directoryType, buffer.DTMeta{
		IterateChildren: func(root any, bf *buffer.BufferFrame, visit buffer.SwipVisitor) error {
			return nil
		},
		FindParent: func(root any, bf *buffer.BufferFrame) (buffer.ParentSwipHandler, error) {
			d := root.(*directory)
			g := d.latch.ReadLock()
			for _, s := range d.swips {
				if s.RefersTo(bf) {
					if err := g.Recheck(); err != nil {
						return buffer.ParentSwipHandler{}, err
					}
					return buffer.ParentSwipHandler{Swip: s, Guard: g}, nil
				}
			}
			return buffer.ParentSwipHandler{}, buffer.ErrRestart
		},
	})
	dir.id = m.RegisterDatastructureInstance(directoryType, dir)

	for i := 0; i < 500; i++ {
		var bf *buffer.BufferFrame
		var xg *buffer.ExclusiveGuard
		for {
			var err error
			bf, xg, err = m.AllocatePage()
			if err == nil {
				break
			}
			runtime.Gosched()
		}
		bf.SetDTID(dir.id)
		bf.SetPageLSN(bf.PID() + 1)
		binary.BigEndian.PutUint64(bf.Payload(), bf.PID())

		for {
			g := dir.latch.ReadLock()
			dxg, err := g.Upgrade()
			if err != nil {
				continue
			}
			dir.swips = append(dir.swips, buffer.FrameSwip(bf))
			dxg.Unlock()
			break
		}
		xg.Unlock()
	}

	log.Printf("allocated %d pages through a %d frame pool\n", len(dir.swips), m.PoolSize())
}
