package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/config"
	"github.com/wippyai/wasm-boot/internal/wasmbin"
	"github.com/wippyai/wasm-boot/runtime"
	"github.com/wippyai/wasm-boot/startup"
	"github.com/wippyai/wasm-boot/worker"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a.wasm", []string{"a.wasm"}},
		{" a.wasm , ,b.wasm ", []string{"a.wasm", "b.wasm"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := splitList(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("splitList(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitList(%q)[%d] = %q, want %q", tt.in, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func loadFixture(t *testing.T, fixture wasmbin.Emscripten) *runtime.Module {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	rt, err := newRuntime(ctx, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	mod, err := rt.LoadWASM(ctx, fixture.Build())
	if err != nil {
		t.Fatal(err)
	}
	return mod
}

func TestListModule(t *testing.T) {
	mod := loadFixture(t, wasmbin.Emscripten{Worker: true})

	var out bytes.Buffer
	if err := listModule(context.Background(), &out, mod); err != nil {
		t.Fatal(err)
	}
	text := out.String()
	for _, want := range []string{"Exports:", "  handle\n", "  main\n"} {
		if !strings.Contains(text, want) {
			t.Errorf("listing missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Unresolved imports") {
		t.Errorf("unexpected unresolved imports:\n%s", text)
	}
}

func TestRunWorker(t *testing.T) {
	mod := loadFixture(t, wasmbin.Emscripten{Worker: true})

	var in bytes.Buffer
	enc := worker.NewEncoder(&in)
	for _, msg := range []worker.Message{
		{FunctionName: "handle", Payload: []byte("one"), CallbackID: 1},
		{FunctionName: "missing", CallbackID: 2},
		{FunctionName: "handle", Payload: []byte("three"), CallbackID: 3},
	} {
		if err := enc.EncodeMessage(&msg); err != nil {
			t.Fatal(err)
		}
	}

	var out bytes.Buffer
	opts := runtime.Options{Mode: startup.Worker, Stderr: io.Discard}
	if err := runWorker(context.Background(), mod, opts, &in, &out, zap.NewNop()); err != nil {
		t.Fatalf("runWorker: %v", err)
	}

	dec := worker.NewDecoder(&out)
	for _, want := range []struct {
		payload string
		id      int64
	}{{"one", 1}, {"three", 3}} {
		r, err := dec.DecodeResponse()
		if err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if r.CallbackID != want.id || string(r.Payload) != want.payload || !r.Final {
			t.Errorf("response = %+v, want id %d payload %q final", r, want.id, want.payload)
		}
	}
	if _, err := dec.DecodeResponse(); !stderrors.Is(err, io.EOF) {
		t.Errorf("extra response: %v", err)
	}
}

func TestRunWorkerBadStream(t *testing.T) {
	mod := loadFixture(t, wasmbin.Emscripten{Worker: true})

	in := bytes.NewReader([]byte{0xff, 0x00, 0x01})
	opts := runtime.Options{Mode: startup.Worker, Stderr: io.Discard}
	err := runWorker(context.Background(), mod, opts, in, io.Discard, zap.NewNop())
	if err == nil || !strings.Contains(err.Error(), "decode message") {
		t.Errorf("runWorker = %v, want decode error", err)
	}
}
