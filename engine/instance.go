package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/entry"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/heap"
	"github.com/wippyai/wasm-boot/memory"
)

// Well-known exports of Emscripten and wasi-libc output.
const (
	ExportMain         = "main"
	ExportMainArgcArgv = "__main_argc_argv"
	ExportStart        = "_start"
	ExportProxyMain    = "_emscripten_proxy_main"
	ExportCtors        = "__wasm_call_ctors"
	ExportStackInit    = "emscripten_stack_init"
	ExportHeapBase     = "__heap_base"
	ExportMalloc       = "malloc"
	ExportFree         = "free"
)

// WazeroInstance is an instantiated module. It is not safe for concurrent
// use; each instance is driven from its own executor.
type WazeroInstance struct {
	module    *WazeroModule
	instance  api.Module
	memory    *memory.Wazero
	logger    *zap.Logger
	brk       *heap.Break
	alloc     wasmboot.Allocator
	asyncify  *Asyncify
	scheduler *Scheduler
	sides     []api.Module
	funcCache map[string]wasmboot.Function
	mu        sync.Mutex
	inAsync   bool

	stackReady bool
}

func newInstance(m *WazeroModule, mod api.Module, logger *zap.Logger) *WazeroInstance {
	inst := &WazeroInstance{
		module:    m,
		instance:  mod,
		memory:    memory.Wrap(mod.Memory()),
		logger:    logger,
		funcCache: make(map[string]wasmboot.Function),
	}
	if inst.memory != nil {
		inst.brk = heap.New(inst.memory, inst.heapBase())
	}
	return inst
}

func (i *WazeroInstance) heapBase() uint32 {
	if g := i.instance.ExportedGlobal(ExportHeapBase); g != nil {
		return uint32(g.Get())
	}
	return i.memory.Size()
}

// Name returns the instance name.
func (i *WazeroInstance) Name() string {
	return i.instance.Name()
}

// Memory returns linear memory, or nil if the module has none.
func (i *WazeroInstance) Memory() wasmboot.Memory {
	if i.memory == nil {
		return nil
	}
	return i.memory
}

// MemorySize returns the current linear memory size in bytes, or 0 if no memory.
func (i *WazeroInstance) MemorySize() uint32 {
	if i.memory == nil {
		return 0
	}
	return i.memory.Size()
}

// Break returns the program break over linear memory, or nil without memory.
func (i *WazeroInstance) Break() *heap.Break {
	return i.brk
}

// Export resolves an exported function of the main module, then of loaded
// side modules.
func (i *WazeroInstance) Export(name string) (wasmboot.Function, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if fn, ok := i.funcCache[name]; ok {
		return fn, true
	}
	fn := i.instance.ExportedFunction(name)
	if fn == nil {
		for _, side := range i.sides {
			if fn = side.ExportedFunction(name); fn != nil {
				break
			}
		}
	}
	if fn == nil {
		return nil, false
	}
	wrapped := &exportFunc{inst: i, fn: fn, name: name}
	i.funcCache[name] = wrapped
	return wrapped, true
}

func (i *WazeroInstance) paramCount(name string) int {
	if fn := i.instance.ExportedFunction(name); fn != nil {
		return len(fn.Definition().ParamTypes())
	}
	return 0
}

// EntryPoint resolves the entry point. With proxy set, only the proxy-main
// stub is considered.
func (i *WazeroInstance) EntryPoint(proxy bool) (fn wasmboot.Function, symbol string, arity int, ok bool) {
	candidates := []string{ExportMain, ExportMainArgcArgv, ExportStart}
	if proxy {
		candidates = []string{ExportProxyMain}
	}
	for _, name := range candidates {
		if f, found := i.Export(name); found {
			return f, name, i.paramCount(name), true
		}
	}
	return nil, "", 0, false
}

// Initialize sets up the stack bounds and runs static constructors. Neither
// may suspend.
func (i *WazeroInstance) Initialize(ctx context.Context) error {
	if err := i.initStackBounds(ctx); err != nil {
		return err
	}
	if fn := i.instance.ExportedFunction(ExportCtors); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return errors.Trap(errors.PhaseStartup, ExportCtors, err)
		}
	}
	return nil
}

// initStackBounds runs emscripten_stack_init once.
func (i *WazeroInstance) initStackBounds(ctx context.Context) error {
	if i.stackReady {
		return nil
	}
	i.stackReady = true
	if fn := i.instance.ExportedFunction(ExportStackInit); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return errors.Trap(errors.PhaseStartup, ExportStackInit, err)
		}
	}
	return nil
}

// Stack returns scoped allocation on the module's shadow stack. Modules
// without stack exports get scratch space above the program break.
func (i *WazeroInstance) Stack() entry.Stack {
	if s := newShadowStack(i); s != nil {
		return s
	}
	if i.brk == nil {
		return nil
	}
	return i.brk.Scratch()
}

// Allocator returns the module's malloc/free, or the program break when the
// module exports no allocator.
func (i *WazeroInstance) Allocator() wasmboot.Allocator {
	if i.alloc != nil {
		return i.alloc
	}
	malloc := i.instance.ExportedFunction(ExportMalloc)
	if malloc != nil {
		i.alloc = &wazeroAllocator{
			allocFn:  malloc,
			freeFn:   i.instance.ExportedFunction(ExportFree),
			stackBuf: make([]uint64, 2),
		}
		return i.alloc
	}
	if i.brk != nil {
		i.alloc = i.brk
	}
	return i.alloc
}

// StackGuard returns the stack cookie checker for this instance.
func (i *WazeroInstance) StackGuard() *StackGuard {
	return newStackGuard(i)
}

// AddSideModule registers a loaded side module for export resolution.
func (i *WazeroInstance) AddSideModule(mod api.Module) {
	i.mu.Lock()
	i.sides = append(i.sides, mod)
	i.mu.Unlock()
}

// SideModules returns the names of loaded side modules.
func (i *WazeroInstance) SideModules() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	names := make([]string, len(i.sides))
	for n, side := range i.sides {
		names[n] = side.Name()
	}
	return names
}

func (i *WazeroInstance) Close(ctx context.Context) error {
	i.mu.Lock()
	sides := i.sides
	i.sides = nil
	i.funcCache = nil
	i.mu.Unlock()

	var err error
	for _, side := range sides {
		err = multierr.Append(err, side.Close(ctx))
	}
	if i.instance != nil {
		err = multierr.Append(err, i.instance.Close(ctx))
		i.instance = nil
	}
	i.memory = nil
	i.alloc = nil
	return err
}

// exportFunc calls an export. Top-level calls into an asyncified module run
// under the unwind scheduler so host imports may suspend them.
type exportFunc struct {
	inst *WazeroInstance
	fn   api.Function
	name string
}

func (f *exportFunc) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	i := f.inst
	if i.scheduler == nil || i.inAsync {
		return f.fn.Call(ctx, params...)
	}

	if err := i.placeAsyncifyBuffer(); err != nil {
		return nil, err
	}

	i.inAsync = true
	defer func() { i.inAsync = false }()

	ctx = WithAsyncify(ctx, i.asyncify)
	ctx = WithScheduler(ctx, i.scheduler)
	return i.scheduler.Run(ctx, f.fn, params...)
}

// wazeroAllocator calls the module's malloc and free.
type wazeroAllocator struct {
	allocFn    api.Function
	freeFn     api.Function
	stackBuf   []uint64
	stackMutex sync.Mutex
}

func (a *wazeroAllocator) Alloc(size, align uint32) (uint32, error) {
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	// malloc guarantees 16-byte alignment, which covers every caller here.
	if align > heap.Alignment {
		return 0, errors.InvalidInput(errors.PhaseHeap, "malloc cannot satisfy alignment above 16")
	}
	a.stackBuf[0] = uint64(size)
	if err := a.allocFn.CallWithStack(context.Background(), a.stackBuf[:1]); err != nil {
		return 0, errors.Trap(errors.PhaseHeap, ExportMalloc, err)
	}
	ptr := uint32(a.stackBuf[0])
	if ptr == 0 && size > 0 {
		return 0, errors.AllocationFailed(errors.PhaseHeap, size, align)
	}
	return ptr, nil
}

func (a *wazeroAllocator) Free(ptr, size, align uint32) {
	if a.freeFn == nil || ptr == 0 {
		return
	}
	a.stackMutex.Lock()
	defer a.stackMutex.Unlock()

	a.stackBuf[0] = uint64(ptr)
	if err := a.freeFn.CallWithStack(context.Background(), a.stackBuf[:1]); err != nil {
		Logger().Warn("free failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}
