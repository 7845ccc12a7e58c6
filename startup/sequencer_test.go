package startup

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/wippyai/wasm-boot/entry"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host/hosttest"
)

type recorder struct {
	events []string
}

func (r *recorder) add(e string) { r.events = append(r.events, e) }

func (r *recorder) count(e string) int {
	n := 0
	for _, v := range r.events {
		if v == e {
			n++
		}
	}
	return n
}

func (r *recorder) equal(want ...string) bool {
	if len(r.events) != len(want) {
		return false
	}
	for i := range want {
		if r.events[i] != want[i] {
			return false
		}
	}
	return true
}

type fakeStack struct{ r *recorder }

func (f fakeStack) InitStack(context.Context) error  { f.r.add("init-stack"); return nil }
func (f fakeStack) CheckStack(context.Context) error { f.r.add("check-stack"); return nil }

type fakeInit struct {
	r   *recorder
	err error
}

func (f fakeInit) Initialize(context.Context) error { f.r.add("init"); return f.err }

type fakeMain struct {
	r    *recorder
	out  entry.Outcome
	args []string
}

func (f *fakeMain) InvokeMain(_ context.Context, args []string) entry.Outcome {
	f.r.add("main")
	f.args = args
	return f.out
}

type prepareFunc func(ctx context.Context, g *gate.Gate) error

func (f prepareFunc) Prepare(ctx context.Context, g *gate.Gate) error { return f(ctx, g) }

func hook(r *recorder, name string) Hook {
	return func(context.Context) error {
		r.add(name)
		return nil
	}
}

func newSequencer(r *recorder, main *fakeMain, mutate func(*Config)) *Sequencer {
	cfg := Config{
		Initializer:          fakeInit{r: r},
		Main:                 main,
		Stack:                fakeStack{r: r},
		PreRun:               []Hook{hook(r, "pre")},
		PostRun:              []Hook{hook(r, "post")},
		OnRuntimeInitialized: func() { r.add("initialized") },
		Assertions:           true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestRunWithoutDependencies(t *testing.T) {
	r := &recorder{}
	main := &fakeMain{r: r}
	s := newSequencer(r, main, nil)
	s.OnReady(func(context.Context) { r.add("ready") })

	s.Run(context.Background(), []string{"x"})

	if !r.equal("init-stack", "pre", "init", "initialized", "ready", "main", "post", "check-stack") {
		t.Errorf("events = %v", r.events)
	}
	if s.State() != Complete {
		t.Errorf("state = %v", s.State())
	}
	if len(main.args) != 1 || main.args[0] != "x" {
		t.Errorf("args = %v", main.args)
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Errorf("Wait = %v", err)
	}
	rt := s.Runtime()
	if !rt.Initialized || !rt.CalledRun || rt.Aborted {
		t.Errorf("runtime = %+v", rt)
	}
}

func TestWaitsForGate(t *testing.T) {
	r := &recorder{}
	s := newSequencer(r, &fakeMain{r: r}, nil)
	g := s.Gate()

	g.Add("a")
	g.Add("b")
	s.Run(context.Background(), nil)
	if s.State() != AwaitingDependencies || r.count("init") != 0 {
		t.Fatalf("state=%v events=%v", s.State(), r.events)
	}

	g.Remove("a")
	if r.count("init") != 0 {
		t.Fatal("initialized with a dependency pending")
	}
	g.Remove("b")
	if s.State() != Complete || r.count("init") != 1 || r.count("main") != 1 {
		t.Fatalf("state=%v events=%v", s.State(), r.events)
	}

	// Dependencies that come and go after the run are ignored.
	g.Add("late")
	g.Remove("late")
	s.Run(context.Background(), nil)
	if r.count("init") != 1 || r.count("main") != 1 || r.count("pre") != 1 {
		t.Errorf("reran: %v", r.events)
	}
}

func TestGateFiresBeforeRun(t *testing.T) {
	r := &recorder{}
	s := newSequencer(r, &fakeMain{r: r}, nil)
	s.Gate().Add("a")
	s.Gate().Remove("a")
	if len(r.events) != 0 {
		t.Fatalf("ran without Run: %v", r.events)
	}
	s.Run(context.Background(), nil)
	if s.State() != Complete {
		t.Errorf("state = %v", s.State())
	}
}

func TestPreparerAddsDependencies(t *testing.T) {
	r := &recorder{}
	prepares := 0
	s := newSequencer(r, &fakeMain{r: r}, func(c *Config) {
		c.Preparer = prepareFunc(func(ctx context.Context, g *gate.Gate) error {
			prepares++
			g.Add("lib.so")
			return nil
		})
	})

	s.Run(context.Background(), nil)
	if s.State() != AwaitingDependencies || r.count("pre") != 0 {
		t.Fatalf("state=%v events=%v", s.State(), r.events)
	}
	s.Gate().Remove("lib.so")
	if prepares != 1 || r.count("init-stack") != 1 || s.State() != Complete {
		t.Errorf("prepares=%d state=%v events=%v", prepares, s.State(), r.events)
	}
}

func TestPreRunHookAddsDependency(t *testing.T) {
	r := &recorder{}
	var s *Sequencer
	s = newSequencer(r, &fakeMain{r: r}, func(c *Config) {
		c.PreRun = []Hook{
			func(context.Context) error {
				r.add("pre1")
				s.Gate().Add("fs")
				return nil
			},
			hook(r, "pre2"),
		}
	})

	s.Run(context.Background(), nil)
	if !r.equal("init-stack", "pre1", "pre2") {
		t.Fatalf("events = %v", r.events)
	}
	s.Gate().Remove("fs")
	if r.count("pre1") != 1 || r.count("pre2") != 1 || r.count("main") != 1 {
		t.Errorf("events = %v", r.events)
	}
}

func TestNoInitialRun(t *testing.T) {
	r := &recorder{}
	s := newSequencer(r, &fakeMain{r: r}, func(c *Config) { c.NoInitialRun = true })
	s.Run(context.Background(), nil)
	if r.count("main") != 0 || r.count("init") != 1 || r.count("post") != 1 {
		t.Errorf("events = %v", r.events)
	}
	if s.State() != Complete {
		t.Errorf("state = %v", s.State())
	}
}

func TestEntryFailureAborts(t *testing.T) {
	r := &recorder{}
	cause := errors.EntryFailure("main", stderrors.New("unreachable"))
	aborts := 0
	s := newSequencer(r, &fakeMain{r: r, out: entry.Outcome{Code: 1, Err: cause}}, func(c *Config) {
		c.OnAbort = func(error) { aborts++ }
	})

	s.Run(context.Background(), nil)

	if r.count("post") != 0 || r.count("check-stack") != 0 {
		t.Errorf("post-run ran after failure: %v", r.events)
	}
	if s.State() != Aborted || !s.Runtime().Aborted {
		t.Errorf("state = %v", s.State())
	}
	if s.Outcome().Code != 1 {
		t.Errorf("outcome = %+v", s.Outcome())
	}
	err := s.Wait(context.Background())
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseStartup, Kind: errors.KindAborted}) {
		t.Errorf("Wait = %v, want aborted", err)
	}
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseEntry, Kind: errors.KindEntryFailure}) {
		t.Errorf("Wait = %v, want entry failure cause", err)
	}

	s.Abort(stderrors.New("second"))
	if aborts != 1 {
		t.Errorf("OnAbort ran %d times", aborts)
	}
}

func TestAbortBeforeDependenciesClear(t *testing.T) {
	r := &recorder{}
	s := newSequencer(r, &fakeMain{r: r}, nil)
	s.Gate().Add("memory initializer")
	s.Run(context.Background(), nil)

	s.Abort(stderrors.New("could not load"))
	s.Gate().Remove("memory initializer")

	if r.count("init") != 0 || r.count("main") != 0 {
		t.Errorf("ran after abort: %v", r.events)
	}
	if s.State() != Aborted {
		t.Errorf("state = %v", s.State())
	}
}

func TestInitializerFailure(t *testing.T) {
	r := &recorder{}
	s := newSequencer(r, &fakeMain{r: r}, func(c *Config) {
		c.Initializer = fakeInit{r: r, err: stderrors.New("ctor trapped")}
	})
	readyCalled := false
	s.OnReady(func(context.Context) { readyCalled = true })
	s.Run(context.Background(), nil)

	if readyCalled || r.count("main") != 0 || s.State() != Aborted {
		t.Errorf("ready=%v state=%v events=%v", readyCalled, s.State(), r.events)
	}
}

func TestStatusTicks(t *testing.T) {
	r := &recorder{}
	timers := &hosttest.ManualTimers{}
	var statuses []string
	s := newSequencer(r, &fakeMain{r: r}, func(c *Config) {
		c.Timers = timers
		c.SetStatus = func(st string) { statuses = append(statuses, st) }
	})

	s.Run(context.Background(), nil)
	if len(statuses) != 1 || statuses[0] != StatusRunning {
		t.Fatalf("statuses = %v", statuses)
	}
	if r.count("init") != 0 {
		t.Fatal("ran before first tick")
	}

	s.Gate().Add("x")
	s.Gate().Remove("x")

	timers.Advance(StatusTick)
	if r.count("init") != 1 || r.count("main") != 1 {
		t.Fatalf("events = %v", r.events)
	}
	if len(statuses) != 1 {
		t.Fatalf("status cleared early: %v", statuses)
	}
	timers.Advance(StatusTick)
	if len(statuses) != 2 || statuses[1] != "" {
		t.Errorf("statuses = %v", statuses)
	}
}

func TestWorkerMode(t *testing.T) {
	r := &recorder{}
	s := newSequencer(r, &fakeMain{r: r}, func(c *Config) { c.Mode = Worker })
	s.OnReady(func(context.Context) { r.add("ready") })
	s.Run(context.Background(), nil)

	if !r.equal("init", "initialized", "ready") {
		t.Errorf("events = %v", r.events)
	}
	if s.State() != Complete {
		t.Errorf("state = %v", s.State())
	}

	late := false
	s.OnReady(func(context.Context) { late = true })
	if !late {
		t.Error("observer registered after readiness did not run")
	}
}

func TestWaitContext(t *testing.T) {
	s := New(Config{})
	s.Gate().Add("never")
	s.Run(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v", err)
	}
}
