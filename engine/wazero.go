package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/errors"
)

// WazeroEngine compiles and instantiates modules on one wazero runtime.
type WazeroEngine struct {
	runtime     wazero.Runtime
	logger      *zap.Logger
	hostInitMu  sync.Mutex
	hostInitErr error
	hostInit    atomic.Bool
}

// Config holds configuration for engine creation
type Config struct {
	Logger *zap.Logger

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	MemoryLimitPages uint32

	// EnableThreads enables the WebAssembly threads proposal (experimental).
	// Modules built with shared memory need it to compile.
	EnableThreads bool
}

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	logger := Logger()

	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.EnableThreads {
			runtimeCfg = runtimeCfg.WithCoreFeatures(api.CoreFeaturesV2 | experimental.CoreFeaturesThreads)
		}
		if cfg.Logger != nil {
			logger = cfg.Logger
		}
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	return &WazeroEngine{runtime: runtime, logger: logger}, nil
}

// LoadModule compiles wasmBytes.
func (e *WazeroEngine) LoadModule(ctx context.Context, wasmBytes []byte) (*WazeroModule, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}
	return &WazeroModule{
		engine:     e,
		compiled:   compiled,
		asyncified: IsAsyncified(wasmBytes),
	}, nil
}

func (e *WazeroEngine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}

// InitHostModules instantiates the WASI and Emscripten host modules once per
// runtime. Safe for concurrent calls.
func (e *WazeroEngine) InitHostModules(ctx context.Context) error {
	if e.hostInit.Load() {
		return e.hostInitErr
	}

	e.hostInitMu.Lock()
	defer e.hostInitMu.Unlock()

	if e.hostInit.Load() {
		return e.hostInitErr
	}

	if e.runtime.Module(wasi_snapshot_preview1.ModuleName) == nil {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
			e.hostInitErr = errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate WASI")
		}
	}
	if e.hostInitErr == nil && e.runtime.Module(EnvModuleName) == nil {
		if _, err := instantiateEnv(ctx, e.runtime); err != nil {
			e.hostInitErr = errors.Wrap(errors.PhaseLinking, errors.KindInstantiation, err, "instantiate env")
		}
	}

	e.hostInit.Store(true)
	return e.hostInitErr
}

// WazeroModule is a compiled WASM module
type WazeroModule struct {
	engine     *WazeroEngine
	compiled   wazero.CompiledModule
	asyncified bool
}

// Asyncified reports whether the binary carries asyncify instrumentation.
func (m *WazeroModule) Asyncified() bool {
	return m.asyncified
}

// ExportNames returns exported function names, sorted.
func (m *WazeroModule) ExportNames() []string {
	defs := m.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MissingImports lists function imports no instantiated host module provides,
// as "module#function".
func (m *WazeroModule) MissingImports() []string {
	var missing []string
	for _, fn := range m.compiled.ImportedFunctions() {
		modName, funcName, _ := fn.Import()
		// ExportedFunction panics on host modules; definitions are safe.
		host := m.engine.runtime.Module(modName)
		if host == nil || host.ExportedFunctionDefinitions()[funcName] == nil {
			missing = append(missing, modName+"#"+funcName)
		}
	}
	return missing
}

// InstanceConfig holds configuration for module instantiation
type InstanceConfig struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Name   string
	// Args is the WASI argument vector, program name first.
	Args []string
	// AsyncifyStackSize sizes the unwind buffer of asyncified modules.
	AsyncifyStackSize uint32
	// DisableAsyncify runs asyncified modules without the unwind scheduler.
	DisableAsyncify bool
}

// Instantiate links and instantiates the module without running any start
// function. Constructors and the entry point are left to the caller.
func (m *WazeroModule) Instantiate(ctx context.Context, cfg *InstanceConfig) (*WazeroInstance, error) {
	if cfg == nil {
		cfg = &InstanceConfig{}
	}
	if err := m.engine.InitHostModules(ctx); err != nil {
		return nil, err
	}
	if missing := m.MissingImports(); len(missing) > 0 {
		return nil, errors.NewMissingImportsError(missing)
	}

	modConfig := wazero.NewModuleConfig().
		WithName(cfg.Name).
		WithStartFunctions()
	if len(cfg.Args) > 0 {
		modConfig = modConfig.WithArgs(cfg.Args...)
	}
	if cfg.Stdin != nil {
		modConfig = modConfig.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		modConfig = modConfig.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		modConfig = modConfig.WithStderr(cfg.Stderr)
	}

	instance, err := m.engine.runtime.InstantiateModule(ctx, m.compiled, modConfig)
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	inst := newInstance(m, instance, m.engine.logger)

	if m.asyncified && !cfg.DisableAsyncify {
		if err := inst.EnableAsyncify(ctx, AsyncifyConfig{StackSize: cfg.AsyncifyStackSize}); err != nil {
			inst.Close(ctx)
			return nil, errors.Instantiation(fmt.Errorf("enable asyncify: %w", err))
		}
	}

	m.engine.logger.Debug("module instantiated",
		zap.String("name", cfg.Name),
		zap.Bool("asyncify", inst.asyncify != nil),
		zap.Uint32("memory", inst.MemorySize()))
	return inst, nil
}

// Close releases the compiled code.
func (m *WazeroModule) Close(ctx context.Context) error {
	return m.compiled.Close(ctx)
}
