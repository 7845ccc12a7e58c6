package worker

import (
	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
)

const payloadAlign = 8

// PayloadBuffer is one region of module memory reused for every payload.
// It grows to exactly the size of a payload that does not fit and never
// shrinks.
type PayloadBuffer struct {
	mem   wasmboot.Memory
	alloc wasmboot.Allocator
	ptr   uint32
	cap   uint32
}

func NewPayloadBuffer(mem wasmboot.Memory, alloc wasmboot.Allocator) *PayloadBuffer {
	return &PayloadBuffer{mem: mem, alloc: alloc}
}

// Stage copies data into the buffer and returns its address.
func (b *PayloadBuffer) Stage(data []byte) (uint32, error) {
	size := uint32(len(data))
	if size > b.cap {
		if b.ptr != 0 {
			b.alloc.Free(b.ptr, b.cap, payloadAlign)
			b.ptr, b.cap = 0, 0
		}
		ptr, err := b.alloc.Alloc(size, payloadAlign)
		if err != nil {
			return 0, errors.Wrap(errors.PhaseDispatch, errors.KindAllocation, err, "grow payload buffer")
		}
		b.ptr, b.cap = ptr, size
	}
	if err := b.mem.Write(b.ptr, data); err != nil {
		return 0, err
	}
	return b.ptr, nil
}

// Ptr returns the buffer address, 0 before the first payload.
func (b *PayloadBuffer) Ptr() uint32 { return b.ptr }

// Cap returns the buffer capacity in bytes.
func (b *PayloadBuffer) Cap() uint32 { return b.cap }
