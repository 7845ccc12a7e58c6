package entry

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host"
)

// DefaultProgramName is argv[0] when none is configured.
const DefaultProgramName = "./this.program"

// Stack is scoped allocation on the module's shadow stack.
type Stack interface {
	Save(ctx context.Context) (uint32, error)
	Alloc(ctx context.Context, size uint32) (uint32, error)
	Restore(ctx context.Context, sp uint32) error
}

// Config configures an Invoker.
type Config struct {
	Memory wasmboot.Memory
	Stack  Stack
	// Entry is the entry point, or the proxy-main stub when Proxy is set.
	Entry  wasmboot.Function
	Exiter host.Exiter
	// Gate is checked to be drained before the call when Assertions is set.
	Gate   *gate.Gate
	Logger *zap.Logger
	// Symbol names Entry in diagnostics.
	Symbol      string
	ProgramName string
	// Arity is the entry point's parameter count: 2 for (argc, argv), 0 for
	// _start style entry points.
	Arity      int
	Proxy      bool
	Assertions bool
}

// Outcome is how one entry invocation ended.
type Outcome struct {
	// Err is set when the entry point failed. Explicit exits are not failures.
	Err  error
	Code int
	// Proxied means main was handed to another thread and no exit was
	// finalized.
	Proxied bool
}

// Invoker runs the entry point.
type Invoker struct {
	logger *zap.Logger
	cfg    Config
}

// New creates an invoker.
func New(cfg Config) *Invoker {
	if cfg.ProgramName == "" {
		cfg.ProgramName = DefaultProgramName
	}
	if cfg.Symbol == "" {
		cfg.Symbol = "main"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	return &Invoker{logger: logger, cfg: cfg}
}

type exitCoder interface {
	ExitCode() uint32
}

// InvokeMain marshals args and calls the entry point. It never panics.
func (v *Invoker) InvokeMain(ctx context.Context, args []string) (out Outcome) {
	if v.cfg.Entry == nil {
		return Outcome{Code: 1, Err: errors.NotFound(errors.PhaseEntry, "entry point", v.cfg.Symbol)}
	}
	if v.cfg.Assertions && v.cfg.Gate != nil && v.cfg.Gate.Count() > 0 {
		return Outcome{Code: 1, Err: errors.InvariantViolation(errors.PhaseEntry,
			"entry point called with %d run dependencies pending", v.cfg.Gate.Count())}
	}

	defer func() {
		if r := recover(); r != nil {
			out = v.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	params := []uint64(nil)
	if v.cfg.Arity >= 2 {
		if v.cfg.Stack == nil || v.cfg.Memory == nil {
			return v.fail(errors.NotInitialized(errors.PhaseEntry, "stack"))
		}
		sp, err := v.cfg.Stack.Save(ctx)
		if err != nil {
			return v.fail(err)
		}
		defer func() {
			if err := v.cfg.Stack.Restore(ctx, sp); err != nil {
				v.logger.Error("restore stack after entry", zap.Error(err))
			}
		}()

		argv := append([]string{v.cfg.ProgramName}, args...)
		argvPtr, err := v.writeArgv(ctx, argv)
		if err != nil {
			return v.fail(err)
		}
		params = []uint64{uint64(uint32(len(argv))), uint64(argvPtr)}
	}

	v.logger.Debug("invoking entry point",
		zap.String("symbol", v.cfg.Symbol),
		zap.Strings("args", args),
		zap.Bool("proxy", v.cfg.Proxy))

	results, err := v.cfg.Entry.Call(ctx, params...)
	if v.cfg.Proxy {
		return v.proxied(results, err)
	}
	if err != nil {
		var ec exitCoder
		if stderrors.As(err, &ec) {
			code := int(int32(ec.ExitCode()))
			v.exit(code, false)
			return Outcome{Code: code}
		}
		return v.fail(err)
	}

	code := 0
	if len(results) > 0 {
		code = int(int32(uint32(results[0])))
	}
	v.exit(code, true)
	return Outcome{Code: code}
}

func (v *Invoker) writeArgv(ctx context.Context, argv []string) (uint32, error) {
	ptrs := make([]byte, 4*(len(argv)+1))
	for i, arg := range argv {
		ptr, err := v.writeString(ctx, arg)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(ptrs[4*i:], ptr)
	}

	argvPtr, err := v.cfg.Stack.Alloc(ctx, uint32(len(ptrs)))
	if err != nil {
		return 0, err
	}
	if err := v.cfg.Memory.Write(argvPtr, ptrs); err != nil {
		return 0, err
	}
	return argvPtr, nil
}

func (v *Invoker) writeString(ctx context.Context, s string) (uint32, error) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	ptr, err := v.cfg.Stack.Alloc(ctx, uint32(len(buf)))
	if err != nil {
		return 0, err
	}
	if err := v.cfg.Memory.Write(ptr, buf); err != nil {
		return 0, err
	}
	return ptr, nil
}

func (v *Invoker) proxied(results []uint64, err error) Outcome {
	if err != nil {
		return v.fail(err)
	}
	if len(results) > 0 {
		if rc := int32(uint32(results[0])); rc != 0 && v.cfg.Assertions {
			return Outcome{Code: 1, Proxied: true, Err: errors.InvariantViolation(errors.PhaseEntry,
				"proxy main returned start code %d", rc)}
		}
	}
	v.logger.Debug("main proxied to worker thread", zap.String("symbol", v.cfg.Symbol))
	return Outcome{Proxied: true}
}

func (v *Invoker) fail(cause error) Outcome {
	err := errors.EntryFailure(v.cfg.Symbol, cause)
	v.logger.Debug("entry point failed", zap.String("symbol", v.cfg.Symbol), zap.Error(cause))
	v.exit(1, false)
	return Outcome{Code: 1, Err: err}
}

func (v *Invoker) exit(code int, implicit bool) {
	if v.cfg.Exiter != nil {
		v.cfg.Exiter.Exit(code, implicit)
	}
}
