package buffer

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DTType identifies a kind of datastructure (a btree, a heap, ...), DTID one
// registered instance of it. The id travels inside every page image so the
// buffer manager can route parent and child lookups for any frame it holds.
type DTType int

type DTID uint64

// SwipVisitor is called for every child swip of a frame. Returning false
// stops the iteration, returning an error aborts it and propagates, which is
// how a failed guard recheck restarts the caller.
type SwipVisitor func(swip *Swip) (bool, error)

// ParentSwipHandler is the result of a parent lookup: the swip referencing
// the child frame and an optimistic guard over the structure containing that
// swip. The guard is valid at return time; callers upgrade it before
// rewriting the swip.
type ParentSwipHandler struct {
	Swip  *Swip
	Guard ReadGuard
}

// DTMeta is the capability record of one datastructure type. No inheritance,
// just two function pointers the type supplies at registration.
type DTMeta struct {
	// IterateChildren visits the child swips stored inside bf. root is the
	// root object the instance registered with.
	IterateChildren func(root any, bf *BufferFrame, visit SwipVisitor) error

	// FindParent locates the swip pointing at bf. May return ErrRestart.
	FindParent func(root any, bf *BufferFrame) (ParentSwipHandler, error)
}

type dtInstance struct {
	dtType DTType
	root   any
}

// DTRegistry maps datastructure instances to their type's callbacks. The
// registry itself is read mostly; registration happens at startup.
type DTRegistry struct {
	mu        sync.RWMutex
	types     map[DTType]DTMeta
	instances map[DTID]dtInstance
	nextID    atomic.Uint64
}

func NewDTRegistry() *DTRegistry {
	return &DTRegistry{
		types:     make(map[DTType]DTMeta),
		instances: make(map[DTID]dtInstance),
	}
}

func (r *DTRegistry) RegisterType(t DTType, meta DTMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t] = meta
}

func (r *DTRegistry) RegisterInstance(t DTType, root any) DTID {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t]; !ok {
		panic(fmt.Sprintf("registering an instance of an unknown datastructure type: %v", t))
	}

	id := DTID(r.nextID.Add(1))
	r.instances[id] = dtInstance{dtType: t, root: root}
	return id
}

// lookup resolves an instance id that may have been read speculatively from a
// frame header. An unknown id is therefore a restart, not a corruption.
func (r *DTRegistry) lookup(id DTID) (dtInstance, DTMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return dtInstance{}, DTMeta{}, ErrRestart
	}
	return inst, r.types[inst.dtType], nil
}

// IterateChildrenSwips visits the child swips of bf through the owning type's
// callback.
func (r *DTRegistry) IterateChildrenSwips(id DTID, bf *BufferFrame, visit SwipVisitor) error {
	inst, meta, err := r.lookup(id)
	if err != nil {
		return err
	}
	return meta.IterateChildren(inst.root, bf, visit)
}

// FindParent locates the swip referencing bf through the owning type's
// callback.
func (r *DTRegistry) FindParent(id DTID, bf *BufferFrame) (ParentSwipHandler, error) {
	inst, meta, err := r.lookup(id)
	if err != nil {
		return ParentSwipHandler{}, err
	}
	return meta.FindParent(inst.root, bf)
}
