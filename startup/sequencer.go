package startup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/entry"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host"
)

// StatusRunning is reported to the status observer while the run starts.
const StatusRunning = "Running..."

// StatusTick is the delay between status updates and the run.
const StatusTick = time.Millisecond

// Mode selects what a run does after initialization.
type Mode int

const (
	// Primary runs pre-run hooks, the entry point and post-run hooks.
	Primary Mode = iota
	// Worker only initializes; requests then arrive as messages.
	Worker
)

func (m Mode) String() string {
	if m == Worker {
		return "worker"
	}
	return "primary"
}

// State is the sequencer's progress.
type State int32

const (
	Constructed State = iota
	PreRun
	AwaitingDependencies
	Initializing
	MainInvocation
	PostRun
	Complete
	Aborted
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case PreRun:
		return "pre-run"
	case AwaitingDependencies:
		return "awaiting-dependencies"
	case Initializing:
		return "initializing"
	case MainInvocation:
		return "main-invocation"
	case PostRun:
		return "post-run"
	case Complete:
		return "complete"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions happen from s.
func (s State) Terminal() bool {
	return s == Complete || s == Aborted
}

// RuntimeState is the run's lifecycle flags. CalledRun and Aborted are never
// cleared once set.
type RuntimeState struct {
	Initialized bool
	CalledRun   bool
	Aborted     bool
}

// Hook runs before initialization or after the entry point.
type Hook func(ctx context.Context) error

// Preparer performs one-time work that may add gate dependencies, such as
// preloading side modules.
type Preparer interface {
	Prepare(ctx context.Context, g *gate.Gate) error
}

// StackChecker places and verifies the stack-overflow cookie.
type StackChecker interface {
	InitStack(ctx context.Context) error
	CheckStack(ctx context.Context) error
}

// Initializer runs static constructors.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// MainInvoker calls the entry point.
type MainInvoker interface {
	InvokeMain(ctx context.Context, args []string) entry.Outcome
}

// Config configures a Sequencer. Every collaborator is optional.
type Config struct {
	Initializer Initializer
	Main        MainInvoker
	Stack       StackChecker
	Preparer    Preparer
	// Timers schedules the status ticks. Without it the status observer is
	// updated synchronously.
	Timers host.Timers
	// OnRuntimeInitialized runs once, right after initialization.
	OnRuntimeInitialized func()
	// SetStatus observes status text.
	SetStatus func(status string)
	// OnAbort runs once with the terminal error.
	OnAbort func(err error)
	Logger  *zap.Logger
	PreRun  []Hook
	PostRun []Hook
	Mode    Mode
	// NoInitialRun initializes without calling the entry point.
	NoInitialRun bool
	Assertions   bool
}

// Sequencer drives one module instance through startup.
type Sequencer struct {
	ctx       context.Context
	err       error
	gate      *gate.Gate
	logger    *zap.Logger
	done      chan struct{}
	cfg       Config
	args      []string
	preRun    []Hook
	postRun   []Hook
	ready     []func(ctx context.Context)
	outcome   entry.Outcome
	rt        RuntimeState
	mu        sync.Mutex
	state     atomic.Int32
	requested bool
	stackInit bool
	prepared  bool
	scheduled bool
}

// New creates a sequencer and its gate.
func New(cfg Config) *Sequencer {
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	s := &Sequencer{
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
		preRun:  append([]Hook(nil), cfg.PreRun...),
		postRun: append([]Hook(nil), cfg.PostRun...),
	}
	s.gate = gate.New(gate.Config{
		OnSatisfied: s.dependenciesFulfilled,
		Logger:      logger,
		Assertions:  cfg.Assertions,
	})
	return s
}

// Gate returns the instance's dependency gate.
func (s *Sequencer) Gate() *gate.Gate { return s.gate }

// State returns the current state. Safe from any goroutine.
func (s *Sequencer) State() State { return State(s.state.Load()) }

// Runtime returns a snapshot of the lifecycle flags. Safe from any goroutine.
func (s *Sequencer) Runtime() RuntimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt
}

// Initialized reports whether initialization has completed.
func (s *Sequencer) Initialized() bool { return s.Runtime().Initialized }

// Outcome returns the entry point's outcome once MainInvocation has run.
func (s *Sequencer) Outcome() entry.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the terminal error, if the run aborted.
func (s *Sequencer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the sequencer reaches Complete or Aborted.
func (s *Sequencer) Done() <-chan struct{} { return s.done }

// AddPreRun queues a hook to run before initialization. Hooks added by a
// running hook run in the same pass.
func (s *Sequencer) AddPreRun(h Hook) { s.preRun = append(s.preRun, h) }

// AddPostRun queues a hook to run after the entry point.
func (s *Sequencer) AddPostRun(h Hook) { s.postRun = append(s.postRun, h) }

// OnReady registers fn to run once initialization completes. If it already
// has, fn runs immediately.
func (s *Sequencer) OnReady(fn func(ctx context.Context)) {
	if s.Runtime().Initialized {
		fn(s.ctx)
		return
	}
	s.ready = append(s.ready, fn)
}

// Run requests the run with args and starts it if no dependencies are
// outstanding. Later calls are ignored.
func (s *Sequencer) Run(ctx context.Context, args []string) {
	if s.requested {
		return
	}
	s.requested = true
	s.ctx = ctx
	s.args = args
	s.advance()
}

func (s *Sequencer) dependenciesFulfilled() {
	s.advance()
}

func (s *Sequencer) advance() {
	rt := s.Runtime()
	if !s.requested || rt.CalledRun || rt.Aborted || s.scheduled {
		return
	}
	if s.suspend() {
		return
	}

	if s.cfg.Mode == Primary && !s.stackInit {
		s.stackInit = true
		if s.cfg.Stack != nil {
			if err := s.cfg.Stack.InitStack(s.ctx); err != nil {
				s.Abort(err)
				return
			}
		}
	}

	if !s.prepared {
		s.prepared = true
		if s.cfg.Preparer != nil {
			if err := s.cfg.Preparer.Prepare(s.ctx, s.gate); err != nil {
				s.Abort(err)
				return
			}
			if s.suspend() {
				return
			}
		}
	}

	if s.cfg.Mode == Worker {
		s.runWorker()
		return
	}

	s.setState(PreRun)
	for len(s.preRun) > 0 {
		h := s.preRun[0]
		s.preRun = s.preRun[1:]
		if err := h(s.ctx); err != nil {
			s.Abort(err)
			return
		}
		if s.Runtime().Aborted {
			return
		}
	}
	if s.suspend() {
		return
	}

	if s.cfg.SetStatus == nil {
		s.doRun()
		return
	}

	s.cfg.SetStatus(StatusRunning)
	if s.cfg.Timers == nil {
		s.doRun()
		s.cfg.SetStatus("")
		return
	}
	s.scheduled = true
	s.cfg.Timers.AfterFunc(StatusTick, func() {
		s.cfg.Timers.AfterFunc(StatusTick, func() { s.cfg.SetStatus("") })
		s.doRun()
	})
}

// suspend parks the sequencer while the gate has outstanding dependencies.
func (s *Sequencer) suspend() bool {
	if s.gate.Count() == 0 {
		return false
	}
	s.setState(AwaitingDependencies)
	s.logger.Debug("startup waiting for dependencies", zap.Strings("pending", s.gate.Pending()))
	return true
}

func (s *Sequencer) markCalledRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rt.CalledRun {
		return false
	}
	s.rt.CalledRun = true
	return !s.rt.Aborted
}

func (s *Sequencer) initialize() bool {
	if s.cfg.Assertions && s.gate.Count() > 0 {
		s.Abort(errors.InvariantViolation(errors.PhaseStartup,
			"initializing with %d run dependencies pending", s.gate.Count()))
		return false
	}

	s.setState(Initializing)
	if s.cfg.Initializer != nil {
		if err := s.cfg.Initializer.Initialize(s.ctx); err != nil {
			s.Abort(err)
			return false
		}
	}

	s.mu.Lock()
	s.rt.Initialized = true
	s.mu.Unlock()
	s.logger.Debug("runtime initialized", zap.Stringer("mode", s.cfg.Mode))

	if s.cfg.OnRuntimeInitialized != nil {
		s.cfg.OnRuntimeInitialized()
	}
	ready := s.ready
	s.ready = nil
	for _, fn := range ready {
		fn(s.ctx)
	}
	return !s.Runtime().Aborted
}

func (s *Sequencer) runWorker() {
	if !s.markCalledRun() {
		return
	}
	if !s.initialize() {
		return
	}
	s.complete()
}

func (s *Sequencer) doRun() {
	if !s.markCalledRun() {
		return
	}
	if !s.initialize() {
		return
	}

	if s.cfg.Main != nil && !s.cfg.NoInitialRun {
		s.setState(MainInvocation)
		out := s.cfg.Main.InvokeMain(s.ctx, s.args)
		s.mu.Lock()
		s.outcome = out
		s.mu.Unlock()
		if out.Err != nil {
			s.Abort(out.Err)
			return
		}
	}

	s.setState(PostRun)
	for len(s.postRun) > 0 {
		h := s.postRun[0]
		s.postRun = s.postRun[1:]
		if err := h(s.ctx); err != nil {
			s.Abort(err)
			return
		}
		if s.Runtime().Aborted {
			return
		}
	}

	if s.cfg.Stack != nil {
		if err := s.cfg.Stack.CheckStack(s.ctx); err != nil {
			s.Abort(err)
			return
		}
	}
	s.complete()
}

func (s *Sequencer) complete() {
	if s.Runtime().Aborted {
		return
	}
	s.setState(Complete)
	close(s.done)
}

// Abort ends the run with err. Only the first call has any effect.
func (s *Sequencer) Abort(err error) {
	s.mu.Lock()
	if s.rt.Aborted || s.State().Terminal() {
		s.mu.Unlock()
		return
	}
	s.rt.Aborted = true
	s.err = errors.Aborted(err)
	s.mu.Unlock()

	s.setState(Aborted)
	s.logger.Error("runtime aborted", zap.Error(err))
	if s.cfg.OnAbort != nil {
		s.cfg.OnAbort(err)
	}
	close(s.done)
}

// Wait blocks until the run completes or aborts. It returns the terminal
// error, or nil on completion.
func (s *Sequencer) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sequencer) setState(next State) {
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("startup transition",
			zap.Stringer("from", prev),
			zap.Stringer("to", next))
	}
}
