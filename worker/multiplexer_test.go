package worker

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/heap"
	"github.com/wippyai/wasm-boot/host/hosttest"
	"github.com/wippyai/wasm-boot/memory"
)

type call struct {
	name     string
	payload  string
	ptr      uint32
	size     uint32
	callback int64
}

type fakeModule struct {
	mem   *memory.Buffer
	funcs map[string]wasmboot.Function
	calls []call
}

func newFakeModule(names ...string) *fakeModule {
	m := &fakeModule{mem: memory.NewBuffer(1, 4), funcs: make(map[string]wasmboot.Function)}
	for _, name := range names {
		m.add(name, nil)
	}
	return m
}

func (m *fakeModule) add(name string, err error) {
	m.funcs[name] = wasmboot.FunctionFunc(func(ctx context.Context, params ...uint64) ([]uint64, error) {
		c := call{name: name, ptr: uint32(params[0]), size: uint32(params[1])}
		if params[1] > 0 {
			b, rerr := m.mem.Read(uint32(params[0]), uint32(params[1]))
			if rerr != nil {
				return nil, rerr
			}
			c.payload = string(b)
		}
		m.calls = append(m.calls, c)
		return nil, err
	})
}

func (m *fakeModule) Export(name string) (wasmboot.Function, bool) {
	fn, ok := m.funcs[name]
	return fn, ok
}

func newMux(mod *fakeModule, ready *bool, timers *hosttest.ManualTimers, responder Responder) *Multiplexer {
	cfg := Config{
		Exports:     mod,
		Memory:      mod.mem,
		Allocator:   heap.New(mod.mem, 1024),
		Responder:   responder,
		Initialized: func() bool { return *ready },
	}
	// A nil *ManualTimers would be a non-nil host.Timers.
	if timers != nil {
		cfg.Timers = timers
	}
	return New(cfg)
}

func names(calls []call) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.name
	}
	return out
}

func TestBufferThenFlushInOrder(t *testing.T) {
	mod := newFakeModule("a", "b", "c")
	ready := false
	timers := &hosttest.ManualTimers{}
	m := newMux(mod, &ready, timers, nil)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		if err := m.OnMessage(ctx, Message{FunctionName: name}); err != nil {
			t.Fatal(err)
		}
	}
	if len(mod.calls) != 0 || m.Queued() != 2 {
		t.Fatalf("dispatched before ready: calls=%v queued=%d", mod.calls, m.Queued())
	}
	if timers.Active() != 1 {
		t.Errorf("recheck timers = %d, want 1", timers.Active())
	}

	ready = true
	if err := m.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if timers.Active() != 0 {
		t.Error("recheck not cancelled by readiness")
	}
	if err := m.OnMessage(ctx, Message{FunctionName: "c"}); err != nil {
		t.Fatal(err)
	}

	got := names(mod.calls)
	want := []string{"a", "b", "c"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("order = %v, want %v", got, want)
	}
	if m.State() != Live {
		t.Errorf("state = %v", m.State())
	}
}

func TestRecheckTimer(t *testing.T) {
	mod := newFakeModule("a", "b")
	ready := false
	timers := &hosttest.ManualTimers{}
	m := newMux(mod, &ready, timers, nil)
	ctx := context.Background()

	m.OnMessage(ctx, Message{FunctionName: "a"})
	m.OnMessage(ctx, Message{FunctionName: "b"})

	timers.Advance(DefaultRecheckInterval)
	if len(mod.calls) != 0 || timers.Active() != 1 {
		t.Fatalf("calls=%v active=%d; recheck should reschedule", mod.calls, timers.Active())
	}

	ready = true
	timers.Advance(DefaultRecheckInterval)
	if len(mod.calls) != 2 || mod.calls[0].name != "a" || mod.calls[1].name != "b" {
		t.Fatalf("calls = %v", names(mod.calls))
	}
	if timers.Active() != 0 {
		t.Error("recheck still scheduled after drain")
	}
	timers.Advance(time.Second)
	if len(mod.calls) != 2 {
		t.Error("queue drained more than once")
	}
}

func TestUnknownFunction(t *testing.T) {
	mod := newFakeModule("known")
	ready := true
	m := newMux(mod, &ready, nil, nil)
	ctx := context.Background()

	m.OnMessage(ctx, Message{FunctionName: "known", CallbackID: 4})
	err := m.OnMessage(ctx, Message{FunctionName: "missing", CallbackID: 9})

	var e *errors.Error
	if !stderrors.As(err, &e) || e.Phase != errors.PhaseDispatch || e.Kind != errors.KindNotFound {
		t.Fatalf("err = %v, want dispatch error", err)
	}
	if m.CallbackID() != 4 {
		t.Errorf("CallbackID = %d, unknown function must not change state", m.CallbackID())
	}
}

func TestQueuedErrorsCombined(t *testing.T) {
	mod := newFakeModule("ok")
	mod.add("traps", stderrors.New("unreachable"))
	ready := false
	m := newMux(mod, &ready, nil, nil)
	ctx := context.Background()

	m.OnMessage(ctx, Message{FunctionName: "nope"})
	m.OnMessage(ctx, Message{FunctionName: "traps"})
	m.OnMessage(ctx, Message{FunctionName: "ok"})

	err := m.Flush(ctx)
	if err == nil {
		t.Fatal("expected combined error")
	}
	if n := len(multierrErrors(err)); n != 2 {
		t.Errorf("combined %d errors, want 2: %v", n, err)
	}
	if len(mod.calls) != 2 || mod.calls[1].name != "ok" {
		t.Errorf("calls = %v", names(mod.calls))
	}
}

func TestPayloadBufferReuse(t *testing.T) {
	mod := newFakeModule("f")
	ready := true
	m := newMux(mod, &ready, nil, nil)
	ctx := context.Background()

	steps := []struct {
		payload string
		wantCap uint32
	}{
		{"hello", 5},
		{"hi", 5},
		{"a longer payload", 16},
		{"", 16},
		{"short", 16},
	}

	for i, s := range steps {
		if err := m.OnMessage(ctx, Message{FunctionName: "f", Payload: []byte(s.payload), CallbackID: int64(i)}); err != nil {
			t.Fatal(err)
		}
		got := mod.calls[len(mod.calls)-1]
		if got.payload != s.payload {
			t.Errorf("step %d payload = %q, want %q", i, got.payload, s.payload)
		}
		if s.payload == "" && got.ptr != 0 {
			t.Errorf("step %d: empty payload passed ptr %d", i, got.ptr)
		}
		if m.Buffer().Cap() != s.wantCap {
			t.Errorf("step %d cap = %d, want %d", i, m.Buffer().Cap(), s.wantCap)
		}
		if m.CallbackID() != int64(i) {
			t.Errorf("step %d CallbackID = %d", i, m.CallbackID())
		}
	}
	if mod.calls[0].ptr != mod.calls[1].ptr {
		t.Error("buffer not reused for smaller payload")
	}
}

func TestEmptyPayloadDispatch(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"absent", nil},
		{"empty", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalMessage(&Message{FunctionName: "f", Payload: tt.payload, CallbackID: 1})
			if err != nil {
				t.Fatal(err)
			}
			msg, err := UnmarshalMessage(data)
			if err != nil {
				t.Fatal(err)
			}
			if len(msg.Payload) != 0 {
				t.Fatalf("decoded payload = %v", msg.Payload)
			}

			mod := newFakeModule("f")
			ready := true
			m := newMux(mod, &ready, nil, nil)
			if err := m.OnMessage(context.Background(), *msg); err != nil {
				t.Fatal(err)
			}
			got := mod.calls[0]
			if got.ptr != 0 || got.size != 0 {
				t.Errorf("called with (%d, %d), want (0, 0)", got.ptr, got.size)
			}
			if m.Buffer().Cap() != 0 {
				t.Errorf("buffer cap = %d, want 0", m.Buffer().Cap())
			}
		})
	}
}

func TestRespond(t *testing.T) {
	mod := newFakeModule("f")
	ready := true
	var sent []Response
	m := newMux(mod, &ready, nil, ResponderFunc(func(ctx context.Context, r Response) error {
		sent = append(sent, r)
		return nil
	}))
	ctx := context.Background()

	if err := m.Respond(ctx, []byte("x"), true); err == nil {
		t.Error("respond without active call should fail")
	}

	m.OnMessage(ctx, Message{FunctionName: "f", CallbackID: 3})
	if err := m.Respond(ctx, []byte("p"), false); err != nil {
		t.Fatal(err)
	}
	if err := m.Respond(ctx, []byte("done"), true); err != nil {
		t.Fatal(err)
	}
	if err := m.Respond(ctx, []byte("again"), true); err == nil {
		t.Error("second final response should fail")
	}

	m.OnMessage(ctx, Message{FunctionName: "f", CallbackID: 4})
	if err := m.Respond(ctx, nil, true); err != nil {
		t.Errorf("new call should reset response state: %v", err)
	}

	if len(sent) != 3 {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].Final || !sent[1].Final || sent[1].CallbackID != 3 || sent[2].CallbackID != 4 {
		t.Errorf("sent = %+v", sent)
	}
}
