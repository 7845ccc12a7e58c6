package wasmboot

import "context"

// Memory represents WASM linear memory
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of WASM linear memory in bytes.
type MemorySizer interface {
	Size() uint32
}

// GrowableMemory is linear memory that can grow by whole 64 KiB pages.
// Grow returns the previous size in pages.
type GrowableMemory interface {
	Memory
	MemorySizer
	Grow(deltaPages uint32) (uint32, bool)
}

// Allocator allocates memory in WASM linear memory
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr, size, align uint32)
}

// Function is an exported function of an instantiated module.
// Parameters and results use the wasm core value encoding.
type Function interface {
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// Module is the exported symbol table and linear memory of an instance.
type Module interface {
	Memory() Memory
	Export(name string) (Function, bool)
}

// FunctionFunc adapts a Go func to Function.
type FunctionFunc func(ctx context.Context, params ...uint64) ([]uint64, error)

func (f FunctionFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f(ctx, params...)
}

// PageSize is the WebAssembly page size in bytes.
const PageSize = 65536
