package meminit

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host"
	"github.com/wippyai/wasm-boot/host/hosttest"
	"github.com/wippyai/wasm-boot/memory"
)

type fixture struct {
	mem     *memory.Buffer
	gate    *gate.Gate
	fetcher *hosttest.FakeFetcher
	exec    *hosttest.ManualExecutor
	fired   int
}

func newFixture() *fixture {
	f := &fixture{
		mem:     memory.NewBuffer(1, 1),
		fetcher: &hosttest.FakeFetcher{},
		exec:    &hosttest.ManualExecutor{},
	}
	f.gate = gate.New(gate.Config{Assertions: true, OnSatisfied: func() { f.fired++ }})
	return f
}

func (f *fixture) loader(cfg Config) *Loader {
	return New(f.mem, f.gate, f.fetcher, f.exec, cfg)
}

func TestNoSource(t *testing.T) {
	f := newFixture()
	l := f.loader(Config{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.State() != Done || f.gate.Count() != 0 {
		t.Errorf("state=%v count=%d", l.State(), f.gate.Count())
	}
	if err := l.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}

func TestDataURIAppliedSynchronously(t *testing.T) {
	f := newFixture()
	l := f.loader(Config{Source: "data:;base64,AQID", Base: 8, Assertions: true})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.State() != Done {
		t.Fatalf("state = %v", l.State())
	}
	got, _ := f.mem.Read(8, 3)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("memory = %v", got)
	}
	if f.fired != 0 || len(f.fetcher.Requests()) != 0 {
		t.Error("data URI touched the gate or fetcher")
	}
}

func TestFetchedImage(t *testing.T) {
	f := newFixture()
	located := ""
	l := f.loader(Config{
		Source:     "init.mem",
		Base:       16,
		Assertions: true,
		Locate: func(s string) string {
			located = s
			return "https://cdn/" + s
		},
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if located != "init.mem" {
		t.Errorf("Locate got %q", located)
	}
	if l.State() != Fetching || f.gate.Count() != 1 {
		t.Fatalf("state=%v count=%d", l.State(), f.gate.Count())
	}

	req := f.fetcher.Last()
	if req.URL() != "https://cdn/init.mem" {
		t.Errorf("fetched %q", req.URL())
	}
	req.Complete(200, []byte{0xAA, 0xBB}, nil)
	if l.State() != Fetching {
		t.Fatal("completion handled off the executor")
	}
	f.exec.RunPending()

	if l.State() != Done || f.fired != 1 || f.gate.Count() != 0 {
		t.Fatalf("state=%v fired=%d count=%d", l.State(), f.fired, f.gate.Count())
	}
	got, _ := f.mem.Read(16, 2)
	if got[0] != 0xAA || got[1] != 0xBB {
		t.Errorf("memory = %v", got)
	}
	if !req.Released() || l.Request() != req {
		t.Error("request not released and kept")
	}
}

func TestPreStartedRequestFallback(t *testing.T) {
	tests := []struct {
		name      string
		retry     func(*host.Pending)
		wantState State
		wantFetch int
	}{
		{
			name:      "fresh fetch succeeds",
			retry:     func(p *host.Pending) { p.Complete(200, []byte{5}, nil) },
			wantState: Done,
			wantFetch: 1,
		},
		{
			name:      "fresh fetch fails",
			retry:     func(p *host.Pending) { p.Complete(500, nil, nil) },
			wantState: Failed,
			wantFetch: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			pre := host.NewPending("init.mem")
			l := f.loader(Config{Request: pre})

			var failures []error
			l.OnFailure(func(err error) {
				if f.gate.Count() != 1 {
					t.Error("failure reported after token release")
				}
				failures = append(failures, err)
			})

			if err := l.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			pre.Complete(404, nil, nil)
			f.exec.RunPending()

			if got := len(f.fetcher.Requests()); got != tt.wantFetch {
				t.Fatalf("fresh fetches = %d, want %d", got, tt.wantFetch)
			}
			if l.State() != Fetching || f.gate.Count() != 1 {
				t.Fatalf("state=%v count=%d after fallback", l.State(), f.gate.Count())
			}

			tt.retry(f.fetcher.Last())
			f.exec.RunPending()

			if l.State() != tt.wantState {
				t.Errorf("state = %v, want %v", l.State(), tt.wantState)
			}
			if f.gate.Count() != 0 || f.fired != 1 {
				t.Errorf("count=%d fired=%d; token must be released exactly once", f.gate.Count(), f.fired)
			}
			if tt.wantState == Failed {
				if len(failures) != 1 {
					t.Fatalf("failures = %v", failures)
				}
				var e *errors.Error
				if !stderrors.As(failures[0], &e) || e.Kind != errors.KindLoadFailure {
					t.Errorf("failure = %v", failures[0])
				}
				if len(f.fetcher.Requests()) != 1 {
					t.Error("failed fallback was retried")
				}
			}
		})
	}
}

func TestDirectFetchFailureNotRetried(t *testing.T) {
	f := newFixture()
	l := f.loader(Config{Source: "init.mem"})
	var failed error
	l.OnFailure(func(err error) { failed = err })

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.fetcher.Last().Complete(0, nil, stderrors.New("connection refused"))
	f.exec.RunPending()

	if failed == nil || l.Err() == nil || l.State() != Failed {
		t.Fatalf("state=%v err=%v", l.State(), l.Err())
	}
	if len(f.fetcher.Requests()) != 1 {
		t.Errorf("requests = %d", len(f.fetcher.Requests()))
	}
	if f.gate.Count() != 0 {
		t.Error("token leaked")
	}
}

func TestZeroPrecheck(t *testing.T) {
	tests := []struct {
		name       string
		assertions bool
		wantErr    bool
	}{
		{"assertions on", true, true},
		{"assertions off", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.mem.WriteU8(4, 0x7F)
			l := f.loader(Config{Source: "data:;base64,AQID", Base: 2, Assertions: tt.assertions})

			err := l.Start(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var e *errors.Error
				if !stderrors.As(err, &e) || e.Kind != errors.KindInvariant {
					t.Errorf("err = %v", err)
				}
				if l.State() != Failed {
					t.Errorf("state = %v", l.State())
				}
			}
		})
	}
}

func TestSyncReaderSkipsGate(t *testing.T) {
	f := newFixture()
	sync := &hosttest.SyncFetcher{Files: map[string][]byte{"init.mem": {9, 9}}}
	l := New(f.mem, f.gate, sync, f.exec, Config{Source: "init.mem"})

	if err := l.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if l.State() != Done || sync.Reads != 1 || f.fired != 0 {
		t.Errorf("state=%v reads=%d fired=%d", l.State(), sync.Reads, f.fired)
	}

	missing := New(memory.NewBuffer(1, 1), f.gate, sync, f.exec, Config{Source: "nope.mem"})
	if err := missing.Start(context.Background()); err == nil {
		t.Error("missing file should fail")
	}
}

func TestOutOfBoundsImage(t *testing.T) {
	f := newFixture()
	l := f.loader(Config{Source: "init.mem", Base: 65535})
	var failed error
	l.OnFailure(func(err error) { failed = err })

	l.Start(context.Background())
	f.fetcher.Last().Complete(200, []byte{1, 2}, nil)
	f.exec.RunPending()

	if failed == nil || l.State() != Failed || f.gate.Count() != 0 {
		t.Errorf("state=%v failed=%v count=%d", l.State(), failed, f.gate.Count())
	}
}
