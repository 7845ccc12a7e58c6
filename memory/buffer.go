package memory

import (
	"encoding/binary"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
)

// Buffer is a growable linear memory backed by a Go slice.
type Buffer struct {
	data     []byte
	maxPages uint32
}

// NewBuffer creates a memory of the given initial size in pages. maxPages of
// 0 means no limit beyond the 4 GiB address space.
func NewBuffer(pages, maxPages uint32) *Buffer {
	return &Buffer{
		data:     make([]byte, int(pages)*wasmboot.PageSize),
		maxPages: maxPages,
	}
}

// Bytes returns the backing slice. It is invalidated by Grow.
func (b *Buffer) Bytes() []byte {
	return b.data
}

func (b *Buffer) Size() uint32 {
	return uint32(len(b.data))
}

func (b *Buffer) Grow(deltaPages uint32) (uint32, bool) {
	prev := uint32(len(b.data) / wasmboot.PageSize)
	if deltaPages == 0 {
		return prev, true
	}
	next := uint64(prev) + uint64(deltaPages)
	if next > 65536 || (b.maxPages > 0 && next > uint64(b.maxPages)) {
		return prev, false
	}
	grown := make([]byte, int(next)*wasmboot.PageSize)
	copy(grown, b.data)
	b.data = grown
	return prev, true
}

func (b *Buffer) bounds(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(b.data)) {
		return errors.OutOfBounds(errors.PhaseRuntime, offset, length, b.Size())
	}
	return nil
}

func (b *Buffer) Read(offset uint32, length uint32) ([]byte, error) {
	if err := b.bounds(offset, length); err != nil {
		return nil, err
	}
	return b.data[offset : offset+length], nil
}

func (b *Buffer) Write(offset uint32, data []byte) error {
	if err := b.bounds(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(b.data[offset:], data)
	return nil
}

func (b *Buffer) ReadU8(offset uint32) (uint8, error) {
	if err := b.bounds(offset, 1); err != nil {
		return 0, err
	}
	return b.data[offset], nil
}

func (b *Buffer) ReadU16(offset uint32) (uint16, error) {
	if err := b.bounds(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b.data[offset:]), nil
}

func (b *Buffer) ReadU32(offset uint32) (uint32, error) {
	if err := b.bounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b.data[offset:]), nil
}

func (b *Buffer) ReadU64(offset uint32) (uint64, error) {
	if err := b.bounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b.data[offset:]), nil
}

func (b *Buffer) WriteU8(offset uint32, value uint8) error {
	if err := b.bounds(offset, 1); err != nil {
		return err
	}
	b.data[offset] = value
	return nil
}

func (b *Buffer) WriteU16(offset uint32, value uint16) error {
	if err := b.bounds(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b.data[offset:], value)
	return nil
}

func (b *Buffer) WriteU32(offset uint32, value uint32) error {
	if err := b.bounds(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b.data[offset:], value)
	return nil
}

func (b *Buffer) WriteU64(offset uint32, value uint64) error {
	if err := b.bounds(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b.data[offset:], value)
	return nil
}

var _ wasmboot.GrowableMemory = (*Buffer)(nil)
