package runtime

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/engine"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/host"
)

// Config configures a Runtime.
type Config struct {
	Logger *zap.Logger
	// Fetcher is the default fetcher for instances that do not set their own.
	// Defaults to a host.Mux over http.DefaultClient and Root.
	Fetcher host.Fetcher
	// Root resolves relative file locators for the default fetcher.
	Root string
	// MemoryLimitPages caps linear memory per instance. 0 means no cap.
	MemoryLimitPages uint32
	EnableThreads    bool
}

// Runtime owns the engine shared by all modules it loads.
type Runtime struct {
	engine  *engine.WazeroEngine
	fetcher host.Fetcher
	logger  *zap.Logger
	seq     atomic.Uint64
}

func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	eng, err := engine.NewWazeroEngineWithConfig(ctx, &engine.Config{
		Logger:           logger,
		MemoryLimitPages: cfg.MemoryLimitPages,
		EnableThreads:    cfg.EnableThreads,
	})
	if err != nil {
		return nil, errors.Load("create engine", err)
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = host.NewMux(http.DefaultClient, cfg.Root)
	}
	return &Runtime{engine: eng, fetcher: fetcher, logger: logger}, nil
}

// Close releases all runtime resources.
// All instances must be closed before calling this.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Engine returns the underlying engine.
func (r *Runtime) Engine() *engine.WazeroEngine {
	return r.engine
}

// LoadWASM compiles a core WebAssembly module.
func (r *Runtime) LoadWASM(ctx context.Context, wasm []byte) (*Module, error) {
	wm, err := r.engine.LoadModule(ctx, wasm)
	if err != nil {
		return nil, err
	}
	return &Module{runtime: r, wazeroModule: wm}, nil
}

// LoadFile reads locator through the runtime's fetcher and compiles it.
func (r *Runtime) LoadFile(ctx context.Context, locator string) (*Module, error) {
	data, err := r.read(ctx, locator)
	if err != nil {
		return nil, err
	}
	return r.LoadWASM(ctx, data)
}

func (r *Runtime) read(ctx context.Context, locator string) ([]byte, error) {
	if sr, ok := r.fetcher.(host.SyncReader); ok {
		if c, ok := r.fetcher.(interface{ CanReadSync(string) bool }); !ok || c.CanReadSync(locator) {
			return sr.ReadSync(locator)
		}
	}
	req := r.fetcher.Fetch(ctx, locator)
	done := make(chan struct{})
	req.OnComplete(func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer req.Release()
	if err := req.Err(); err != nil {
		return nil, err
	}
	if s := req.Status(); s != 0 && s != http.StatusOK {
		return nil, errors.LoadFailure(locator, errors.InvalidData(errors.PhaseLoad, http.StatusText(s)))
	}
	return append([]byte(nil), req.Body()...), nil
}

func (r *Runtime) nextName() string {
	return "main-" + strconv.FormatUint(r.seq.Add(1), 10)
}
