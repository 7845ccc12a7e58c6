package runtime

import (
	"context"
	stderrors "errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/engine"
	"github.com/wippyai/wasm-boot/entry"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/host"
	"github.com/wippyai/wasm-boot/meminit"
	"github.com/wippyai/wasm-boot/startup"
	"github.com/wippyai/wasm-boot/worker"
)

// Instance is one module instance with its own executor, gate and startup
// sequence. Its methods are safe for concurrent use; all guest work runs on
// the instance's executor goroutine.
type Instance struct {
	module  *Module
	inst    *engine.WazeroInstance
	loop    *host.Loop
	group   *errgroup.Group
	cancel  context.CancelFunc
	seq     *startup.Sequencer
	loader  *meminit.Loader
	invoker *entry.Invoker
	mux     *worker.Multiplexer
	exits   *host.ExitRecorder
	logger  *zap.Logger
	runCtx  context.Context
	opts    Options
	started atomic.Bool
}

// Instantiate creates an instance and wires its startup components. Nothing
// runs until Start.
func (m *Module) Instantiate(ctx context.Context, opts Options) (*Instance, error) {
	name := opts.Name
	if name == "" {
		name = m.runtime.nextName()
	}
	programName := opts.ProgramName
	if programName == "" {
		programName = entry.DefaultProgramName
	}

	wi, err := m.wazeroModule.Instantiate(ctx, &engine.InstanceConfig{
		Name:              name,
		Args:              []string{programName},
		Stdin:             opts.Stdin,
		Stdout:            opts.Stdout,
		Stderr:            opts.Stderr,
		AsyncifyStackSize: opts.AsyncifyStackSize,
	})
	if err != nil {
		return nil, err
	}

	logger := m.runtime.logger.With(zap.String("instance", name))
	loop := host.NewLoop(logger)
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = m.runtime.fetcher
	}
	var timers host.Timers = host.SystemTimers{Exec: loop}
	if opts.Timers != nil {
		timers = opts.Timers
	}

	i := &Instance{
		module: m,
		inst:   wi,
		loop:   loop,
		exits:  host.NewExitRecorder(),
		logger: logger,
		opts:   opts,
	}

	seqCfg := startup.Config{
		Initializer:          wi,
		Main:                 mainInvoker{i},
		Timers:               timers,
		OnRuntimeInitialized: opts.OnRuntimeInitialized,
		SetStatus:            opts.SetStatus,
		OnAbort:              opts.OnAbort,
		Logger:               logger,
		PreRun:               opts.PreRun,
		PostRun:              opts.PostRun,
		Mode:                 opts.Mode,
		NoInitialRun:         opts.NoInitialRun,
		Assertions:           opts.Assertions,
	}
	if opts.Mode == startup.Primary {
		seqCfg.Stack = wi.StackGuard()
	}
	if len(opts.Libraries) > 0 {
		seqCfg.Preparer = &engine.SideModules{
			Engine:    m.runtime.engine,
			Instance:  wi,
			Fetcher:   fetcher,
			Exec:      loop,
			Libraries: opts.Libraries,
			OnFailure: func(err error) { i.seq.Abort(err) },
			Logger:    logger,
		}
	}
	i.seq = startup.New(seqCfg)

	fn, symbol, arity, ok := wi.EntryPoint(opts.Proxy)
	if !ok {
		symbol = engine.ExportMain
		if opts.Proxy {
			symbol = engine.ExportProxyMain
		}
	}
	i.invoker = entry.New(entry.Config{
		Memory:      wi.Memory(),
		Stack:       wi.Stack(),
		Entry:       fn,
		Exiter:      i.exiter(),
		Gate:        i.seq.Gate(),
		Logger:      logger,
		Symbol:      symbol,
		ProgramName: programName,
		Arity:       arity,
		Proxy:       opts.Proxy,
		Assertions:  opts.Assertions,
	})

	memCfg := opts.MemoryInit
	if memCfg.Logger == nil {
		memCfg.Logger = logger
	}
	memCfg.Assertions = memCfg.Assertions || opts.Assertions
	i.loader = meminit.New(wi.Memory(), i.seq.Gate(), fetcher, loop, memCfg)
	i.loader.OnFailure(i.seq.Abort)

	if opts.Mode == startup.Worker {
		i.mux = worker.New(worker.Config{
			Exports:     wi,
			Memory:      wi.Memory(),
			Allocator:   wi.Allocator(),
			Timers:      timers,
			Responder:   opts.Responder,
			Initialized: i.seq.Initialized,
			Logger:      logger,
		})
		i.seq.OnReady(func(ctx context.Context) {
			if err := i.mux.Flush(ctx); err != nil {
				logger.Warn("queued messages failed", zap.Error(err))
			}
		})
	}
	return i, nil
}

func (i *Instance) exiter() host.Exiter {
	return host.ExitFunc(func(code int, implicit bool) {
		i.exits.Exit(code, implicit)
		if i.opts.Exiter != nil {
			i.opts.Exiter.Exit(code, implicit)
		}
	})
}

type mainInvoker struct {
	i *Instance
}

func (m mainInvoker) InvokeMain(ctx context.Context, args []string) entry.Outcome {
	return m.i.invoker.InvokeMain(ctx, args)
}

// Start runs PreInit hooks, starts the memory initializer and requests the
// run with args, all on the instance's executor. ctx bounds the instance's
// lifetime: cancelling it stops the executor and closes the module.
func (i *Instance) Start(ctx context.Context, args []string) error {
	if !i.started.CompareAndSwap(false, true) {
		return errors.InvariantViolation(errors.PhaseStartup, "instance started twice")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	i.group = g
	g.Go(func() error { return i.loop.Run(gctx) })

	runCtx := loopCtx
	if i.mux != nil {
		runCtx = engine.WithWorkerResponder(runCtx, i.mux)
	}
	i.runCtx = runCtx

	if !i.loop.Submit(func() { i.boot(runCtx, args) }) {
		return host.ErrLoopStopped
	}
	return nil
}

func (i *Instance) boot(ctx context.Context, args []string) {
	for _, hook := range i.opts.PreInit {
		if err := hook(); err != nil {
			i.seq.Abort(err)
			return
		}
	}
	if err := i.loader.Start(ctx); err != nil {
		i.seq.Abort(err)
		return
	}
	i.seq.Run(ctx, args)
}

// Post delivers a worker message. Messages that arrive before the runtime is
// initialized are queued and dispatched in order once it is.
func (i *Instance) Post(ctx context.Context, msg worker.Message) error {
	if i.mux == nil {
		return errors.InvalidInput(errors.PhaseDispatch, "instance is not a worker")
	}
	if !i.started.Load() {
		return errors.NotInitialized(errors.PhaseDispatch, "instance")
	}
	var err error
	if derr := i.loop.Do(ctx, func() { err = i.mux.OnMessage(i.runCtx, msg) }); derr != nil {
		return derr
	}
	return err
}

// Call invokes an export on the executor. The runtime must be initialized.
func (i *Instance) Call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if !i.started.Load() || !i.seq.Initialized() {
		return nil, errors.NotInitialized(errors.PhaseRuntime, "runtime")
	}
	fn, ok := i.inst.Export(name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRuntime, "function", name)
	}
	var (
		results []uint64
		err     error
	)
	if derr := i.loop.Do(ctx, func() { results, err = fn.Call(i.runCtx, params...) }); derr != nil {
		return nil, derr
	}
	return results, err
}

// Wait blocks until startup completes or aborts and returns the entry
// point's exit code.
func (i *Instance) Wait(ctx context.Context) (int, error) {
	if err := i.seq.Wait(ctx); err != nil {
		return 1, err
	}
	return i.seq.Outcome().Code, nil
}

// Exit returns the first exit reported by the entry point.
func (i *Instance) Exit() (code int, implicit bool, ok bool) {
	select {
	case <-i.exits.Done():
		code, implicit = i.exits.Code()
		return code, implicit, true
	default:
		return 0, false, false
	}
}

func (i *Instance) Name() string                  { return i.inst.Name() }
func (i *Instance) Memory() wasmboot.Memory       { return i.inst.Memory() }
func (i *Instance) State() startup.State          { return i.seq.State() }
func (i *Instance) Runtime() startup.RuntimeState { return i.seq.Runtime() }
func (i *Instance) Outcome() entry.Outcome        { return i.seq.Outcome() }
func (i *Instance) Loader() *meminit.Loader       { return i.loader }

// Multiplexer returns the worker multiplexer, or nil for primary instances.
func (i *Instance) Multiplexer() *worker.Multiplexer { return i.mux }

// Close stops the executor and releases the module instance.
func (i *Instance) Close(ctx context.Context) error {
	i.loop.Stop()
	if i.cancel != nil {
		i.cancel()
		if err := i.group.Wait(); err != nil && !stderrors.Is(err, context.Canceled) {
			i.logger.Warn("executor stopped with error", zap.Error(err))
		}
	}
	return i.inst.Close(ctx)
}
