// Package wasmbin assembles small core WebAssembly binaries for tests.
//
// It covers the subset needed to exercise startup: i32 functions, imports,
// one memory, i32 globals, exports and active data segments.
package wasmbin

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

const (
	magic   uint32 = 0x6d736100
	version uint32 = 1

	secType     byte = 1
	secImport   byte = 2
	secFunction byte = 3
	secMemory   byte = 5
	secGlobal   byte = 6
	secExport   byte = 7
	secCode     byte = 10
	secData     byte = 11

	kindFunc   byte = 0x00
	kindMemory byte = 0x02
	kindGlobal byte = 0x03
)

// FuncType is a function signature.
type FuncType struct {
	Params  []byte
	Results []byte
}

// Import is an imported function.
type Import struct {
	Module string
	Name   string
	Type   FuncType
}

// Func is a defined function. Locals are extra locals after the params.
type Func struct {
	Type   FuncType
	Locals []byte
	Body   []byte
	Export string
}

// Global is an i32 global.
type Global struct {
	Export  string
	Value   int32
	Mutable bool
}

// Data is an active segment at a constant offset.
type Data struct {
	Bytes  []byte
	Offset uint32
}

// Module describes a binary to assemble. Function indices start with the
// imports, in order, followed by Funcs.
type Module struct {
	Imports      []Import
	Funcs        []Func
	Globals      []Global
	Data         []Data
	MemoryExport string
	MemoryMin    uint32
	MemoryMax    uint32
	HasMemory    bool
	// ImportMemory imports env.memory with MemoryMin pages instead of
	// defining a memory.
	ImportMemory bool
}

// FuncIndex returns the index of the defined function at position i.
func (m *Module) FuncIndex(i int) uint32 {
	return uint32(len(m.Imports) + i)
}

// Encode assembles the binary.
func (m *Module) Encode() []byte {
	var w writer
	w.u32le(magic)
	w.u32le(version)

	var types []FuncType
	typeIndex := func(ft FuncType) uint32 {
		for i, t := range types {
			if string(t.Params) == string(ft.Params) && string(t.Results) == string(ft.Results) {
				return uint32(i)
			}
		}
		types = append(types, ft)
		return uint32(len(types) - 1)
	}
	importTypes := make([]uint32, len(m.Imports))
	for i, imp := range m.Imports {
		importTypes[i] = typeIndex(imp.Type)
	}
	funcTypes := make([]uint32, len(m.Funcs))
	for i, fn := range m.Funcs {
		funcTypes[i] = typeIndex(fn.Type)
	}

	if len(types) > 0 {
		var sec writer
		sec.u32(uint32(len(types)))
		for _, t := range types {
			sec.byte(0x60)
			sec.u32(uint32(len(t.Params)))
			sec.raw(t.Params)
			sec.u32(uint32(len(t.Results)))
			sec.raw(t.Results)
		}
		w.section(secType, &sec)
	}

	if len(m.Imports) > 0 || m.ImportMemory {
		var sec writer
		n := uint32(len(m.Imports))
		if m.ImportMemory {
			n++
		}
		sec.u32(n)
		for i, imp := range m.Imports {
			sec.name(imp.Module)
			sec.name(imp.Name)
			sec.byte(kindFunc)
			sec.u32(importTypes[i])
		}
		if m.ImportMemory {
			sec.name("env")
			sec.name("memory")
			sec.byte(kindMemory)
			sec.byte(0x00)
			sec.u32(m.MemoryMin)
		}
		w.section(secImport, &sec)
	}

	if len(m.Funcs) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Funcs)))
		for _, idx := range funcTypes {
			sec.u32(idx)
		}
		w.section(secFunction, &sec)
	}

	if m.HasMemory {
		var sec writer
		sec.u32(1)
		if m.MemoryMax > 0 {
			sec.byte(0x01)
			sec.u32(m.MemoryMin)
			sec.u32(m.MemoryMax)
		} else {
			sec.byte(0x00)
			sec.u32(m.MemoryMin)
		}
		w.section(secMemory, &sec)
	}

	if len(m.Globals) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			sec.byte(I32)
			if g.Mutable {
				sec.byte(1)
			} else {
				sec.byte(0)
			}
			sec.byte(opI32Const)
			sec.s64(int64(g.Value))
			sec.byte(opEnd)
		}
		w.section(secGlobal, &sec)
	}

	var exports writer
	count := uint32(0)
	for i, fn := range m.Funcs {
		if fn.Export != "" {
			exports.name(fn.Export)
			exports.byte(kindFunc)
			exports.u32(m.FuncIndex(i))
			count++
		}
	}
	if m.HasMemory && m.MemoryExport != "" {
		exports.name(m.MemoryExport)
		exports.byte(kindMemory)
		exports.u32(0)
		count++
	}
	for i, g := range m.Globals {
		if g.Export != "" {
			exports.name(g.Export)
			exports.byte(kindGlobal)
			exports.u32(uint32(i))
			count++
		}
	}
	if count > 0 {
		var sec writer
		sec.u32(count)
		sec.raw(exports.bytes())
		w.section(secExport, &sec)
	}

	if len(m.Funcs) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Funcs)))
		for _, fn := range m.Funcs {
			var body writer
			if len(fn.Locals) == 0 {
				body.u32(0)
			} else {
				body.u32(uint32(len(fn.Locals)))
				for _, l := range fn.Locals {
					body.u32(1)
					body.byte(l)
				}
			}
			body.raw(fn.Body)
			sec.u32(uint32(body.buf.Len()))
			sec.raw(body.bytes())
		}
		w.section(secCode, &sec)
	}

	if len(m.Data) > 0 {
		var sec writer
		sec.u32(uint32(len(m.Data)))
		for _, d := range m.Data {
			sec.u32(0)
			sec.byte(opI32Const)
			sec.s64(int64(int32(d.Offset)))
			sec.byte(opEnd)
			sec.u32(uint32(len(d.Bytes)))
			sec.raw(d.Bytes)
		}
		w.section(secData, &sec)
	}

	return w.bytes()
}
