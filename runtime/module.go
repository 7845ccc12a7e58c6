package runtime

import (
	"context"
	"io"

	"github.com/wippyai/wasm-boot/engine"
	"github.com/wippyai/wasm-boot/host"
	"github.com/wippyai/wasm-boot/meminit"
	"github.com/wippyai/wasm-boot/startup"
	"github.com/wippyai/wasm-boot/worker"
)

// Options configures one instance of a module.
type Options struct {
	// Name registers the instance under this module name. Generated if empty.
	Name string
	// MemoryInit describes the memory initializer image, if any.
	MemoryInit meminit.Config
	// NoInitialRun initializes the runtime without calling the entry point.
	NoInitialRun bool
	// OnRuntimeInitialized runs once, right after static constructors.
	OnRuntimeInitialized func()
	// PreInit hooks run in order before startup begins. A failing hook aborts.
	PreInit []func() error
	// PreRun and PostRun hooks run around initialization and the entry point.
	PreRun  []startup.Hook
	PostRun []startup.Hook
	// SetStatus observes status text ("Running...", then "").
	SetStatus func(status string)
	// OnAbort receives the terminal error.
	OnAbort func(err error)
	Mode    startup.Mode
	// Proxy calls the proxy-main stub instead of main.
	Proxy bool
	// ProgramName is argv[0]. Defaults to entry.DefaultProgramName.
	ProgramName string
	// Libraries are side modules linked before the entry point runs.
	Libraries  []string
	Assertions bool

	Fetcher   host.Fetcher
	Timers    host.Timers
	Exiter    host.Exiter
	Responder worker.Responder

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// AsyncifyStackSize sizes the unwind buffer of asyncified modules.
	AsyncifyStackSize uint32
}

// Module is a compiled module. Safe for concurrent use.
type Module struct {
	runtime      *Runtime
	wazeroModule *engine.WazeroModule
}

type Export struct {
	Name string
}

func (m *Module) Exports() []Export {
	names := m.wazeroModule.ExportNames()
	if names == nil {
		return nil
	}
	exports := make([]Export, len(names))
	for i, name := range names {
		exports[i] = Export{Name: name}
	}
	return exports
}

// MissingImports lists imports the runtime cannot satisfy, as "module#function".
func (m *Module) MissingImports(ctx context.Context) ([]string, error) {
	if err := m.runtime.engine.InitHostModules(ctx); err != nil {
		return nil, err
	}
	return m.wazeroModule.MissingImports(), nil
}

func (m *Module) Close(ctx context.Context) error {
	return m.wazeroModule.Close(ctx)
}
