package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
)

// Asyncify drives the Binaryen asyncify protocol of an instrumented module.
//
// States: 0=Normal, 1=Unwinding (saving stack), 2=Rewinding (restoring stack)
//
// Memory layout at dataAddr:
//   - [0:4] stack pointer (grows upward from dataAddr+8)
//   - [4:8] stack end
//   - [8:8+stackSize] stack data
type Asyncify struct {
	exports struct {
		getState    api.Function
		startUnwind api.Function
		stopUnwind  api.Function
		startRewind api.Function
		stopRewind  api.Function
	}
	memory    api.Memory
	mu        sync.Mutex
	state     int32
	dataAddr  uint32
	stackSize uint32
}

const (
	stateNormal int32 = iota
	stateUnwinding
	stateRewinding
)

// AsyncifyDefaultStackSize is the unwind buffer size when none is configured.
const AsyncifyDefaultStackSize uint32 = 16 * 1024

var asyncifyExports = [][]byte{
	[]byte("asyncify_get_state"),
	[]byte("asyncify_start_unwind"),
	[]byte("asyncify_stop_unwind"),
	[]byte("asyncify_start_rewind"),
	[]byte("asyncify_stop_rewind"),
}

// IsAsyncified reports whether a binary exports the asyncify control functions.
func IsAsyncified(wasm []byte) bool {
	for _, name := range asyncifyExports {
		if !bytes.Contains(wasm, name) {
			return false
		}
	}
	return true
}

// AsyncifyConfig places the unwind buffer. A zero DataAddr allocates it from
// the instance heap on the first suspendable call, after initialization.
type AsyncifyConfig struct {
	StackSize uint32
	DataAddr  uint32
}

// NewAsyncify returns a controller using the buffer at dataAddr.
func NewAsyncify(dataAddr, stackSize uint32) *Asyncify {
	if stackSize == 0 {
		stackSize = AsyncifyDefaultStackSize
	}
	return &Asyncify{dataAddr: dataAddr, stackSize: stackSize}
}

// Init binds the controller to mod. The buffer header is written when the
// buffer has been placed.
func (a *Asyncify) Init(mod api.Module) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.memory = mod.Memory()
	if a.memory == nil {
		return errors.NotFound(errors.PhaseRuntime, "memory", "asyncify buffer")
	}

	a.exports.getState = mod.ExportedFunction("asyncify_get_state")
	a.exports.startUnwind = mod.ExportedFunction("asyncify_start_unwind")
	a.exports.stopUnwind = mod.ExportedFunction("asyncify_stop_unwind")
	a.exports.startRewind = mod.ExportedFunction("asyncify_start_rewind")
	a.exports.stopRewind = mod.ExportedFunction("asyncify_stop_rewind")

	if a.exports.getState == nil || a.exports.startUnwind == nil || a.exports.stopUnwind == nil ||
		a.exports.startRewind == nil || a.exports.stopRewind == nil {
		return errors.NotFound(errors.PhaseRuntime, "export", "asyncify_*")
	}
	if a.dataAddr == 0 {
		return nil
	}
	return a.writeHeader()
}

// Placed reports whether the unwind buffer has an address.
func (a *Asyncify) Placed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataAddr != 0
}

// Place sets the unwind buffer address and writes its header.
func (a *Asyncify) Place(dataAddr uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dataAddr == 0 {
		return errors.InvalidInput(errors.PhaseRuntime, "asyncify buffer at address zero")
	}
	a.dataAddr = dataAddr
	if a.memory == nil {
		return nil
	}
	return a.writeHeader()
}

func (a *Asyncify) writeHeader() error {
	stackPtr := a.dataAddr + 8
	stackEnd := stackPtr + a.stackSize
	if !a.memory.WriteUint32Le(a.dataAddr, stackPtr) || !a.memory.WriteUint32Le(a.dataAddr+4, stackEnd) {
		return errors.OutOfBounds(errors.PhaseRuntime, a.dataAddr, 8, a.memory.Size())
	}
	return nil
}

// DataAddr returns the address of the unwind buffer header.
func (a *Asyncify) DataAddr() uint32 { return a.dataAddr }

func (a *Asyncify) IsNormal() bool    { return atomic.LoadInt32(&a.state) == stateNormal }
func (a *Asyncify) IsUnwinding() bool { return atomic.LoadInt32(&a.state) == stateUnwinding }
func (a *Asyncify) IsRewinding() bool { return atomic.LoadInt32(&a.state) == stateRewinding }

// SyncState reads the state from the module.
func (a *Asyncify) SyncState(ctx context.Context) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.exports.getState == nil {
		return atomic.LoadInt32(&a.state)
	}
	results, err := a.exports.getState.Call(ctx)
	if err != nil || len(results) == 0 {
		return atomic.LoadInt32(&a.state)
	}
	atomic.StoreInt32(&a.state, int32(results[0]))
	return atomic.LoadInt32(&a.state)
}

// transition calls fn, if bound, then records the new state.
func (a *Asyncify) transition(ctx context.Context, fn api.Function, next int32, params ...uint64) error {
	if fn != nil {
		if _, err := fn.Call(ctx, params...); err != nil {
			return err
		}
	}
	atomic.StoreInt32(&a.state, next)
	return nil
}

func (a *Asyncify) StartUnwind(ctx context.Context) error {
	return a.transition(ctx, a.exports.startUnwind, stateUnwinding, uint64(a.dataAddr))
}

func (a *Asyncify) StopUnwind(ctx context.Context) error {
	return a.transition(ctx, a.exports.stopUnwind, stateNormal)
}

func (a *Asyncify) StartRewind(ctx context.Context) error {
	return a.transition(ctx, a.exports.startRewind, stateRewinding, uint64(a.dataAddr))
}

func (a *Asyncify) StopRewind(ctx context.Context) error {
	return a.transition(ctx, a.exports.stopRewind, stateNormal)
}

// ResetStack rewinds the buffer pointer. Call before each new top-level call.
func (a *Asyncify) ResetStack() {
	if a.memory == nil || a.dataAddr == 0 {
		return
	}
	if err := a.writeHeader(); err != nil {
		Logger().Warn("reset asyncify stack", zap.Uint32("data_addr", a.dataAddr), zap.Error(err))
	}
}

// PendingOp is the work a suspended import waits for.
type PendingOp interface {
	Name() string
	Execute(ctx context.Context) (uint64, error)
}

// Scheduler runs a top-level call, servicing each unwind by executing the
// pending operation and rewinding into the guest.
type Scheduler struct {
	asyncify  *Asyncify
	pendingOp PendingOp
	result    uint64
	err       error
}

func NewScheduler(asyncify *Asyncify) *Scheduler {
	return &Scheduler{asyncify: asyncify}
}

func (s *Scheduler) SetPending(op PendingOp) {
	s.pendingOp = op
}

func (s *Scheduler) GetResult() (uint64, error) {
	return s.result, s.err
}

func (s *Scheduler) ClearPending() {
	s.pendingOp = nil
	s.result = 0
	s.err = nil
}

// Run calls fn until it returns without unwinding.
func (s *Scheduler) Run(ctx context.Context, fn api.Function, args ...uint64) ([]uint64, error) {
	if !s.asyncify.IsNormal() {
		return nil, errors.InvariantViolation(errors.PhaseRuntime, "asyncify is not in the normal state")
	}
	s.ClearPending()
	s.asyncify.ResetStack()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results, callErr := fn.Call(ctx, args...)

		if !s.asyncify.IsUnwinding() {
			if callErr != nil {
				return nil, callErr
			}
			if !s.asyncify.IsNormal() {
				return nil, errors.InvariantViolation(errors.PhaseRuntime, "asyncify left in state %d after call", s.asyncify.SyncState(ctx))
			}
			return results, nil
		}

		if err := s.asyncify.StopUnwind(ctx); err != nil {
			return nil, fmt.Errorf("stop unwind: %w", err)
		}
		op := s.pendingOp
		if op == nil {
			return nil, errors.InvariantViolation(errors.PhaseRuntime, "unwound without a pending operation")
		}
		s.pendingOp = nil

		Logger().Debug("guest suspended", zap.String("op", op.Name()))
		s.result, s.err = op.Execute(ctx)
		if s.err != nil {
			return nil, s.err
		}
		if err := s.asyncify.StartRewind(ctx); err != nil {
			return nil, fmt.Errorf("start rewind: %w", err)
		}
	}
}

type ctxKeyScheduler struct{}
type ctxKeyAsyncify struct{}

func WithScheduler(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKeyScheduler{}, s)
}

func GetScheduler(ctx context.Context) *Scheduler {
	if v := ctx.Value(ctxKeyScheduler{}); v != nil {
		return v.(*Scheduler)
	}
	return nil
}

func WithAsyncify(ctx context.Context, a *Asyncify) context.Context {
	return context.WithValue(ctx, ctxKeyAsyncify{}, a)
}

func GetAsyncify(ctx context.Context) *Asyncify {
	if v := ctx.Value(ctxKeyAsyncify{}); v != nil {
		return v.(*Asyncify)
	}
	return nil
}

// Suspend registers op and starts unwinding. Called by host handlers.
func Suspend(ctx context.Context, op PendingOp) error {
	sched := GetScheduler(ctx)
	async := GetAsyncify(ctx)
	if sched == nil || async == nil {
		return errors.NotInitialized(errors.PhaseRuntime, "scheduler")
	}
	sched.SetPending(op)
	return async.StartUnwind(ctx)
}

// Resume returns the operation result and stops rewinding. Called during rewind.
func Resume(ctx context.Context) (uint64, error) {
	sched := GetScheduler(ctx)
	async := GetAsyncify(ctx)
	if sched == nil || async == nil {
		return 0, errors.NotInitialized(errors.PhaseRuntime, "scheduler")
	}
	result, err := sched.GetResult()
	if err != nil {
		return 0, err
	}
	if err := async.StopRewind(ctx); err != nil {
		return 0, err
	}
	sched.ClearPending()
	return result, nil
}

// MakeAsyncHandler wraps an operation factory into a suspend/resume-aware
// import. Without a scheduler in ctx the operation runs inline and blocks
// the calling goroutine.
func MakeAsyncHandler(createOp func(ctx context.Context, mod api.Module, stack []uint64) PendingOp) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		async := GetAsyncify(ctx)
		if async != nil && async.IsRewinding() {
			result, err := Resume(ctx)
			if err != nil {
				panic(err)
			}
			if len(stack) > 0 {
				stack[0] = result
			}
			return
		}

		op := createOp(ctx, mod, stack)
		if op == nil {
			return
		}
		if async == nil || GetScheduler(ctx) == nil {
			result, err := op.Execute(ctx)
			if err != nil {
				panic(err)
			}
			if len(stack) > 0 {
				stack[0] = result
			}
			return
		}
		if err := Suspend(ctx, op); err != nil {
			panic(err)
		}
	}
}

// EnableAsyncify wires the unwind scheduler into every exported call.
func (i *WazeroInstance) EnableAsyncify(ctx context.Context, cfg AsyncifyConfig) error {
	stackSize := cfg.StackSize
	if stackSize == 0 {
		stackSize = AsyncifyDefaultStackSize
	}
	// Placing the buffer may run the guest's malloc, so it waits for the
	// first suspendable call.
	a := NewAsyncify(cfg.DataAddr, stackSize)
	if err := a.Init(i.instance); err != nil {
		return err
	}
	i.mu.Lock()
	i.asyncify = a
	i.scheduler = NewScheduler(a)
	i.funcCache = make(map[string]wasmboot.Function)
	i.mu.Unlock()
	return nil
}

// placeAsyncifyBuffer allocates the unwind buffer if it has no address yet.
func (i *WazeroInstance) placeAsyncifyBuffer() error {
	if i.asyncify.Placed() {
		return nil
	}
	alloc := i.Allocator()
	if alloc == nil {
		return errors.NotInitialized(errors.PhaseRuntime, "allocator")
	}
	addr, err := alloc.Alloc(8+i.asyncify.stackSize, 8)
	if err != nil {
		return err
	}
	return i.asyncify.Place(addr)
}
