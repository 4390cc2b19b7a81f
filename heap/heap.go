// Package heap implements the kernel's bounded-region, first-fit block
// allocator (spec.md §4.1), grounded on the original kernel's
// kalloc_options()/kfree()/kalloc_add_memory_region() (klib/Kalloc.h)
// and on the teacher's own physical-memory bookkeeping style in
// biscuit's phys_init()/physmem (free-list-of-indices over a backing
// array).
//
// Go has no raw pointer arithmetic, so each region is backed by a
// single []byte arena and allocations are represented as a Block
// handle (region index + byte offset) rather than an unsafe.Pointer.
// This keeps the same first-fit-with-splitting, coalesce-on-free
// algorithm the C kernel uses, expressed with slices instead of
// manually walked block headers.
package heap

import (
	"fmt"
	"sync"

	"github.com/dplanitzer/serena-core/kerrors"
)

// MemoryType classifies a region's DMA reachability, per spec.md §3.
type MemoryType int

const (
	// CPU regions are reachable only by the CPU.
	CPU MemoryType = iota
	// Unified regions are reachable by both the CPU and the chipset's
	// bus-mastering (DMA) engines.
	Unified
)

// Options mirror kalloc_options()'s KALLOC_OPTION_* flags.
type Options uint

const (
	// Clear zeroes the returned block.
	Clear Options = 1 << iota
	// RequireUnified demands the block come from a Unified region.
	RequireUnified
)

const (
	align   = 16 // platform word * 2, matching kalloc's typical alignment
	minFree = 32 // header-equivalent + one word, below which a split is refused
)

// freeBlock is one entry of a region's free list, threaded in offset
// order for simple coalescing with its neighbors.
type freeBlock struct {
	off, size int
}

// region is one physical memory descriptor handed to the heap via
// AddRegion. allocated tracks live blocks by offset, so Free and
// SizeOf can validate ownership without walking headers embedded in
// the arena (Go's GC-visible slices make embedded headers awkward and
// unnecessary).
type region struct {
	typ   MemoryType
	arena []byte
	free  []freeBlock // kept sorted and non-adjacent (coalesced)
	live  map[int]int // offset -> size, for allocated blocks
}

// Block is an opaque allocation handle returned by Alloc. The zero
// Block is not a valid allocation.
type Block struct {
	regionIdx int
	off       int
	valid     bool // set on every Block Alloc returns
}

// Heap is the process-wide kernel allocator: one spinlock-equivalent
// mutex guards all state, matching spec.md §4.1's "single
// process-wide spinlock" (a sync.Mutex stands in for the spinlock).
type Heap struct {
	mu      sync.Mutex
	regions []*region
}

// New returns an empty heap with no regions. Callers add regions with
// AddRegion, exactly as the boot sequence calls
// kalloc_add_memory_region() once per memory descriptor discovered.
func New() *Heap {
	return &Heap{}
}

// AddRegion adds a new backing arena of the given size and type. This
// is called once at boot per descriptor in the platform's memory
// layout, and again whenever expansion RAM is detected (spec.md §3's
// "Heap regions: added once at boot or when expansion RAM is
// detected; never removed").
func (h *Heap) AddRegion(size int, typ MemoryType) {
	if size <= 0 {
		panic("heap: region size must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.regions = append(h.regions, &region{
		typ:   typ,
		arena: make([]byte, size),
		free:  []freeBlock{{off: 0, size: size}},
		live:  make(map[int]int),
	})
}

// Alloc allocates nbytes from the first compatible region with a
// fitting free block, splitting that block first-fit style. It
// returns kerrors.ErrNoMemory if no region can satisfy the request.
// Alloc never blocks and may be called with interrupts disabled.
func (h *Heap) Alloc(nbytes int, opts Options) (Block, error) {
	if nbytes <= 0 {
		return Block{}, fmt.Errorf("heap: alloc of %d bytes: %w", nbytes, kerrors.ErrInvalid)
	}
	size := alignUp(nbytes)

	h.mu.Lock()
	defer h.mu.Unlock()

	for ri, r := range h.regions {
		if opts&RequireUnified != 0 && r.typ != Unified {
			continue
		}
		if off, granted, ok := r.takeFirstFit(size); ok {
			r.live[off] = granted
			blk := Block{regionIdx: ri, off: off, valid: true}
			if opts&Clear != 0 {
				clearSlice(r.arena[off : off+granted])
			}
			return blk, nil
		}
	}
	return Block{}, kerrors.ErrNoMemory
}

// AllocCleared is Alloc with the Clear option set.
func (h *Heap) AllocCleared(nbytes int) (Block, error) {
	return h.Alloc(nbytes, Clear)
}

// AllocUnified is Alloc with the RequireUnified option set.
func (h *Heap) AllocUnified(nbytes int) (Block, error) {
	return h.Alloc(nbytes, RequireUnified)
}

// Free releases a block back to its region's free list, coalescing
// with adjacent free neighbors. Freeing the zero Block is a no-op.
// Freeing a pointer this heap did not hand out is a fatal kernel bug,
// not a recoverable error (spec.md §7).
func (h *Heap) Free(b Block) {
	if b == (Block{}) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if b.regionIdx < 0 || b.regionIdx >= len(h.regions) {
		kerrors.Fatal("heap: free of foreign block", map[string]any{"region": b.regionIdx})
	}
	r := h.regions[b.regionIdx]
	size, ok := r.live[b.off]
	if !ok {
		kerrors.Fatal("heap: double free or foreign pointer", map[string]any{"offset": b.off})
	}
	delete(r.live, b.off)
	r.releaseAndCoalesce(b.off, size)
}

// SizeOf returns the gross size of a live block, which may exceed the
// originally requested size due to alignment.
func (h *Heap) SizeOf(b Block) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b.regionIdx < 0 || b.regionIdx >= len(h.regions) {
		return 0, kerrors.ErrInvalid
	}
	r := h.regions[b.regionIdx]
	size, ok := r.live[b.off]
	if !ok {
		return 0, kerrors.ErrInvalid
	}
	return size, nil
}

// Bytes returns the backing slice for a live block, for callers inside
// the kernel (e.g. a device's DMA buffer) that need to read or write
// through it. This plays the role of the raw void* the C allocator
// returns; it is intentionally the only way to reach into a Block's
// storage.
func (h *Heap) Bytes(b Block) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.regions[b.regionIdx]
	size := r.live[b.off]
	return r.arena[b.off : b.off+size]
}

func alignUp(n int) int {
	if n <= 0 {
		return align
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

func clearSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// takeFirstFit finds the first free block able to hold size, splits
// it if there's enough slack left over to form another usable free
// block, and returns the allocated offset and the actual granted size
// (size, or fb.size when a sub-minFree remainder is absorbed whole so
// the caller can record exactly what left the free list).
func (r *region) takeFirstFit(size int) (int, int, bool) {
	for i, fb := range r.free {
		if fb.size < size {
			continue
		}
		remaining := fb.size - size
		granted := size
		if remaining >= minFree {
			r.free[i] = freeBlock{off: fb.off + size, size: remaining}
		} else {
			granted = fb.size // absorb the slack rather than leak an unusable sliver
			r.free = append(r.free[:i], r.free[i+1:]...)
		}
		return fb.off, granted, true
	}
	return 0, 0, false
}

// releaseAndCoalesce inserts (off, size) back into the free list in
// offset order, merging with an immediately-adjacent predecessor
// and/or successor.
func (r *region) releaseAndCoalesce(off, size int) {
	nb := freeBlock{off: off, size: size}
	i := 0
	for i < len(r.free) && r.free[i].off < nb.off {
		i++
	}
	// merge with predecessor
	if i > 0 && r.free[i-1].off+r.free[i-1].size == nb.off {
		nb.off = r.free[i-1].off
		nb.size += r.free[i-1].size
		i--
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
	// merge with successor
	if i < len(r.free) && nb.off+nb.size == r.free[i].off {
		nb.size += r.free[i].size
		r.free = append(r.free[:i], r.free[i+1:]...)
	}
	r.free = append(r.free, freeBlock{})
	copy(r.free[i+1:], r.free[i:])
	r.free[i] = nb
}
