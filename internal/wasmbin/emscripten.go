package wasmbin

// Fixture layout used by Emscripten modules.
const (
	StackTop      = 65536
	StackEnd      = 8192
	HeapBase      = 65536
	InitAddr      = 1024
	CtorCountAddr = 2048
)

// The fixture's malloc sets the byte at MallocMarkAddr and returns MallocAddr.
const (
	MallocMarkAddr = InitAddr + 8
	MallocAddr     = 81920
)

const (
	globalStackPointer = iota
	globalHeapBase
	globalAsyncifyState
	globalAsyncifyData
)

// Emscripten configures a module shaped like Emscripten output: shadow
// stack exports, a constructor export, main and optional worker functions.
//
// main(argc, argv) returns argc plus the byte at InitAddr, so a test can
// observe both the argument vector and an applied memory initializer. Each
// constructor run increments the i32 at CtorCountAddr.
type Emscripten struct {
	Data []Data
	// ExitCode makes main call proc_exit with this code when non-zero.
	ExitCode int32
	NoMain   bool
	// Start exports the entry point as _start with no parameters.
	Start bool
	// Trap makes main hit unreachable.
	Trap bool
	// CorruptNull makes main overwrite address zero.
	CorruptNull bool
	// Worker adds handle(ptr, len), which echoes its payload as a final
	// response, and crash(ptr, len), which traps.
	Worker bool
	// Sleep makes main call emscripten_sleep(Sleep) before anything else and
	// adds the asyncify control exports, so main returns only after a
	// suspend and resume.
	Sleep int32
	// Malloc exports malloc. It never frees and always returns MallocAddr.
	Malloc bool
	// Extra imports appended after the built-in ones, for missing-import tests.
	Extra []Import
}

// Build assembles the module.
func (e Emscripten) Build() []byte {
	m := &Module{
		HasMemory:    true,
		MemoryMin:    2,
		MemoryMax:    16,
		MemoryExport: "memory",
		Globals: []Global{
			{Value: StackTop, Mutable: true},
			{Value: HeapBase, Export: "__heap_base"},
		},
		Data: e.Data,
	}

	var respond, procExit uint32
	if e.Worker {
		respond = uint32(len(m.Imports))
		m.Imports = append(m.Imports,
			Import{Module: "env", Name: "emscripten_worker_respond", Type: FuncType{Params: []byte{I32, I32}}},
			Import{Module: "env", Name: "emscripten_worker_respond_provisionally", Type: FuncType{Params: []byte{I32, I32}}},
		)
	}
	if e.ExitCode != 0 {
		procExit = uint32(len(m.Imports))
		m.Imports = append(m.Imports, Import{
			Module: "wasi_snapshot_preview1", Name: "proc_exit", Type: FuncType{Params: []byte{I32}},
		})
	}
	var sleep uint32
	if e.Sleep != 0 {
		sleep = uint32(len(m.Imports))
		m.Imports = append(m.Imports, Import{Module: "env", Name: "emscripten_sleep", Type: FuncType{Params: []byte{I32}}})
		m.Globals = append(m.Globals, Global{Mutable: true}, Global{Mutable: true})
	}
	m.Imports = append(m.Imports, e.Extra...)

	m.Funcs = append(m.Funcs,
		Func{
			Export: "stackSave",
			Type:   FuncType{Results: []byte{I32}},
			Body:   new(Code).GlobalGet(globalStackPointer).Bytes(),
		},
		Func{
			Export: "stackRestore",
			Type:   FuncType{Params: []byte{I32}},
			Body:   new(Code).LocalGet(0).GlobalSet(globalStackPointer).Bytes(),
		},
		Func{
			Export: "stackAlloc",
			Type:   FuncType{Params: []byte{I32}, Results: []byte{I32}},
			Body: new(Code).
				GlobalGet(globalStackPointer).LocalGet(0).I32Sub().
				I32Const(-16).I32And().
				GlobalSet(globalStackPointer).GlobalGet(globalStackPointer).Bytes(),
		},
		Func{
			Export: "emscripten_stack_get_end",
			Type:   FuncType{Results: []byte{I32}},
			Body:   new(Code).I32Const(StackEnd).Bytes(),
		},
		Func{
			Export: "__wasm_call_ctors",
			Type:   FuncType{},
			Body: new(Code).
				I32Const(CtorCountAddr).
				I32Const(CtorCountAddr).I32Load(0).I32Const(1).I32Add().
				I32Store(0).Bytes(),
		},
	)

	if e.Malloc {
		m.Funcs = append(m.Funcs, Func{
			Export: "malloc",
			Type:   FuncType{Params: []byte{I32}, Results: []byte{I32}},
			Body: new(Code).
				I32Const(MallocMarkAddr).I32Const(1).I32Store8(0).
				I32Const(MallocAddr).Bytes(),
		})
	}
	if e.Sleep != 0 {
		m.Funcs = append(m.Funcs, asyncifyFuncs()...)
	}

	if !e.NoMain {
		body := new(Code)
		if e.Sleep != 0 {
			// While unwinding, return at once; the rewound call resumes here.
			body.I32Const(e.Sleep).Call(sleep).
				GlobalGet(globalAsyncifyState).I32Const(1).I32Eq().If()
			if !e.Start {
				body.I32Const(0)
			}
			body.Return().End()
		}
		if e.CorruptNull {
			body.I32Const(0).I32Const(0).I32Store(0)
		}
		if e.Trap {
			body.Unreachable()
		}
		if e.ExitCode != 0 {
			body.I32Const(e.ExitCode).Call(procExit)
		}
		if e.Start {
			m.Funcs = append(m.Funcs, Func{Export: "_start", Body: body.Bytes()})
		} else {
			body.LocalGet(0).I32Const(InitAddr).I32Load8U(0).I32Add()
			m.Funcs = append(m.Funcs, Func{
				Export: "main",
				Type:   FuncType{Params: []byte{I32, I32}, Results: []byte{I32}},
				Body:   body.Bytes(),
			})
		}
	}

	if e.Worker {
		m.Funcs = append(m.Funcs,
			Func{
				Export: "handle",
				Type:   FuncType{Params: []byte{I32, I32}},
				Body:   new(Code).LocalGet(0).LocalGet(1).Call(respond).Bytes(),
			},
			Func{
				Export: "progress",
				Type:   FuncType{Params: []byte{I32, I32}},
				Body:   new(Code).LocalGet(0).LocalGet(1).Call(respond + 1).Bytes(),
			},
			Func{
				Export: "crash",
				Type:   FuncType{Params: []byte{I32, I32}},
				Body:   new(Code).Unreachable().Bytes(),
			},
		)
	}

	return m.Encode()
}

// asyncifyFuncs mimics the control exports of an asyncified module. Only
// the state and buffer address are kept; locals are not saved, so callers
// must re-run from the top on rewind. Starting either transition with a
// null buffer traps.
func asyncifyFuncs() []Func {
	transition := func(state int32) []byte {
		return new(Code).
			LocalGet(0).I32Const(0).I32Eq().If().Unreachable().End().
			I32Const(state).GlobalSet(globalAsyncifyState).
			LocalGet(0).GlobalSet(globalAsyncifyData).Bytes()
	}
	normal := new(Code).I32Const(0).GlobalSet(globalAsyncifyState).Bytes()
	return []Func{
		{
			Export: "asyncify_get_state",
			Type:   FuncType{Results: []byte{I32}},
			Body:   new(Code).GlobalGet(globalAsyncifyState).Bytes(),
		},
		{Export: "asyncify_start_unwind", Type: FuncType{Params: []byte{I32}}, Body: transition(1)},
		{Export: "asyncify_stop_unwind", Body: normal},
		{Export: "asyncify_start_rewind", Type: FuncType{Params: []byte{I32}}, Body: transition(2)},
		{Export: "asyncify_stop_rewind", Body: normal},
	}
}

// SideModule builds a minimal side module exporting answer() = value and a
// constructor that does nothing.
func SideModule(value int32) []byte {
	m := &Module{
		Funcs: []Func{
			{Export: "answer", Type: FuncType{Results: []byte{I32}}, Body: new(Code).I32Const(value).Bytes()},
			{Export: "__wasm_call_ctors", Body: new(Code).Bytes()},
		},
	}
	return m.Encode()
}

// SharedMemorySideModule is SideModule importing env.memory, as Emscripten
// emits for -sSIDE_MODULE.
func SharedMemorySideModule(value int32) []byte {
	m := &Module{
		ImportMemory: true,
		MemoryMin:    1,
		Funcs: []Func{
			{Export: "answer", Type: FuncType{Results: []byte{I32}}, Body: new(Code).I32Const(value).Bytes()},
		},
	}
	return m.Encode()
}
