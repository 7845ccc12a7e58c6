package engine

import (
	"context"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
)

// EnvModuleName is the import module Emscripten output links against.
const EnvModuleName = "env"

// WorkerResponder receives responses a worker module sends for the message
// it is handling.
type WorkerResponder interface {
	Respond(ctx context.Context, data []byte, final bool) error
}

type ctxKeyResponder struct{}

// WithWorkerResponder attaches r to calls made with ctx.
func WithWorkerResponder(ctx context.Context, r WorkerResponder) context.Context {
	return context.WithValue(ctx, ctxKeyResponder{}, r)
}

// GetWorkerResponder returns the responder attached to ctx, or nil.
func GetWorkerResponder(ctx context.Context) WorkerResponder {
	if v := ctx.Value(ctxKeyResponder{}); v != nil {
		return v.(WorkerResponder)
	}
	return nil
}

var processStart = time.Now()

func instantiateEnv(ctx context.Context, r wazero.Runtime) (api.Module, error) {
	i32 := api.ValueTypeI32
	builder := r.NewHostModuleBuilder(EnvModuleName)

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			workerRespond(ctx, mod, uint32(stack[0]), uint32(stack[1]), true)
		}), []api.ValueType{i32, i32}, nil).
		Export("emscripten_worker_respond")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			workerRespond(ctx, mod, uint32(stack[0]), uint32(stack[1]), false)
		}), []api.ValueType{i32, i32}, nil).
		Export("emscripten_worker_respond_provisionally")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
			stack[0] = resizeHeap(mod, uint32(stack[0]))
		}), []api.ValueType{i32}, []api.ValueType{i32}).
		Export("emscripten_resize_heap")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, _ []uint64) {
		}), []api.ValueType{i32}, nil).
		Export("emscripten_notify_memory_growth")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			stack[0] = api.EncodeF64(float64(time.Since(processStart).Microseconds()) / 1000)
		}), nil, []api.ValueType{api.ValueTypeF64}).
		Export("emscripten_get_now")

	builder = builder.NewFunctionBuilder().
		WithGoModuleFunction(MakeAsyncHandler(func(ctx context.Context, _ api.Module, stack []uint64) PendingOp {
			return sleepOp{d: time.Duration(uint32(stack[0])) * time.Millisecond}
		}), []api.ValueType{i32}, nil).
		Export("emscripten_sleep")

	return builder.Instantiate(ctx)
}

func workerRespond(ctx context.Context, mod api.Module, ptr, size uint32, final bool) {
	r := GetWorkerResponder(ctx)
	if r == nil {
		Logger().Warn("worker response outside of a worker call",
			zap.Uint32("size", size),
			zap.Bool("final", final))
		return
	}
	var data []byte
	if size > 0 {
		view, ok := mod.Memory().Read(ptr, size)
		if !ok {
			panic(errors.OutOfBounds(errors.PhaseDispatch, ptr, size, mod.Memory().Size()))
		}
		data = append([]byte(nil), view...)
	}
	if err := r.Respond(ctx, data, final); err != nil {
		panic(err)
	}
}

// resizeHeap grows memory to at least requested bytes. It returns 1 on
// success and 0 on failure.
func resizeHeap(mod api.Module, requested uint32) uint64 {
	mem := mod.Memory()
	if mem == nil {
		return 0
	}
	size := mem.Size()
	if requested <= size {
		return 1
	}
	need := (uint64(requested) - uint64(size) + wasmboot.PageSize - 1) / wasmboot.PageSize
	if _, ok := mem.Grow(uint32(need)); !ok {
		return 0
	}
	return 1
}

// sleepOp waits on the executor goroutine while the guest is unwound.
type sleepOp struct {
	d time.Duration
}

func (s sleepOp) Name() string { return "emscripten_sleep" }

func (s sleepOp) Execute(ctx context.Context) (uint64, error) {
	t := time.NewTimer(s.d)
	defer t.Stop()
	select {
	case <-t.C:
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
