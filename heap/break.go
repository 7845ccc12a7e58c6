package heap

import (
	"context"
	"sync"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
)

// Alignment is the minimum alignment preserved for every sbrk increment.
const Alignment = 16

// Break tracks the program break of one linear memory.
type Break struct {
	mem  wasmboot.GrowableMemory
	base uint32
	brk  uint32
	mu   sync.Mutex
}

// New creates a break starting at heapBase, rounded up to Alignment.
func New(mem wasmboot.GrowableMemory, heapBase uint32) *Break {
	base := alignUp(heapBase, Alignment)
	return &Break{mem: mem, base: base, brk: base}
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// Base returns the lowest address the break may take.
func (b *Break) Base() uint32 {
	return b.base
}

// Current returns the current break, i.e. sbrk(0).
func (b *Break) Current() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.brk
}

// Sbrk moves the break by increment bytes and returns the previous break.
// Positive increments are rounded up to Alignment. Memory grows as needed.
func (b *Break) Sbrk(increment int64) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sbrkLocked(increment)
}

func (b *Break) sbrkLocked(increment int64) (uint32, error) {
	old := b.brk
	if increment >= 0 {
		inc := (uint64(increment) + Alignment - 1) &^ (Alignment - 1)
		next := uint64(old) + inc
		if next > 1<<32-1 {
			return 0, errors.AllocationFailed(errors.PhaseHeap, uint32(min(inc, 1<<32-1)), Alignment)
		}
		if err := b.ensure(uint32(next)); err != nil {
			return 0, err
		}
		b.brk = uint32(next)
		return old, nil
	}

	dec := uint64(-increment)
	if uint64(old) < dec || uint32(uint64(old)-dec) < b.base {
		return 0, errors.InvalidInput(errors.PhaseHeap, "break moved below heap base")
	}
	b.brk = uint32(uint64(old) - dec)
	return old, nil
}

// ensure grows memory so that [0, end) is addressable.
func (b *Break) ensure(end uint32) error {
	size := b.mem.Size()
	if end <= size {
		return nil
	}
	need := uint64(end) - uint64(size)
	pages := (need + wasmboot.PageSize - 1) / wasmboot.PageSize
	if _, ok := b.mem.Grow(uint32(pages)); !ok {
		return errors.New(errors.PhaseHeap, errors.KindAllocation).
			Value(end).
			Detail("cannot grow memory by %d pages", pages).
			Build()
	}
	return nil
}

// Brk sets the break to addr exactly.
func (b *Break) Brk(addr uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr < b.base {
		return errors.InvalidInput(errors.PhaseHeap, "break moved below heap base")
	}
	if err := b.ensure(addr); err != nil {
		return err
	}
	b.brk = addr
	return nil
}

// Alloc carves size bytes aligned to align off the break. Memory is only
// reclaimed by Restore; Free is a no-op.
func (b *Break) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, errors.InvalidInput(errors.PhaseHeap, "alignment must be a power of two")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := (uint64(b.brk) + uint64(align) - 1) &^ (uint64(align) - 1)
	end := start + uint64(size)
	if end > 1<<32-1 {
		return 0, errors.AllocationFailed(errors.PhaseHeap, size, align)
	}
	if _, err := b.sbrkLocked(int64(end - uint64(b.brk))); err != nil {
		return 0, err
	}
	return uint32(start), nil
}

func (b *Break) Free(ptr, size, align uint32) {}

// Scratch adapts the break to scoped stack-like allocation: Save records the
// break, Alloc bumps it, Restore rewinds it.
type Scratch struct {
	b *Break
}

// Scratch returns a scoped allocator over b.
func (b *Break) Scratch() Scratch {
	return Scratch{b: b}
}

func (s Scratch) Save(context.Context) (uint32, error) {
	return s.b.Current(), nil
}

func (s Scratch) Alloc(_ context.Context, size uint32) (uint32, error) {
	return s.b.Alloc(size, Alignment)
}

func (s Scratch) Restore(_ context.Context, sp uint32) error {
	return s.b.Brk(sp)
}

var _ wasmboot.Allocator = (*Break)(nil)
