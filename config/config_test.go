package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/startup"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wasmboot.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != ModePrimary || cfg.StartupMode() != startup.Primary {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.FetchTimeout != 30*time.Second {
		t.Errorf("fetch timeout = %v", cfg.FetchTimeout)
	}
	if lvl, _ := cfg.Level(); lvl != zapcore.InfoLevel {
		t.Errorf("level = %v", lvl)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
module = " app.wasm "
args = ["--fast", "input.txt"]
memory_init = "app.html.mem"
memory_base = 1024
libraries = ["libz.wasm", " ", "libpng.wasm"]
mode = "Worker"
fetch_timeout = "5s"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Module != "app.wasm" {
		t.Errorf("module = %q", cfg.Module)
	}
	if len(cfg.Args) != 2 || cfg.Args[1] != "input.txt" {
		t.Errorf("args = %v", cfg.Args)
	}
	if cfg.MemoryInit != "app.html.mem" || cfg.MemoryBase != 1024 {
		t.Errorf("memory init = %q at %d", cfg.MemoryInit, cfg.MemoryBase)
	}
	if len(cfg.Libraries) != 2 || cfg.Libraries[1] != "libpng.wasm" {
		t.Errorf("libraries = %v", cfg.Libraries)
	}
	if cfg.StartupMode() != startup.Worker {
		t.Errorf("mode = %q", cfg.Mode)
	}
	if cfg.FetchTimeout != 5*time.Second {
		t.Errorf("fetch timeout = %v", cfg.FetchTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log format = %q", cfg.LogFormat)
	}
	// Unset keys keep their defaults.
	if cfg.MaxBody != Default().MaxBody {
		t.Errorf("max body = %d", cfg.MaxBody)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
module = "from-file.wasm"
assertions = false
`)
	t.Setenv("WASMBOOT_MODULE", "from-env.wasm")
	t.Setenv("WASMBOOT_ASSERTIONS", "true")
	t.Setenv("WASMBOOT_LIBRARIES", "a.wasm, b.wasm")
	t.Setenv("WASMBOOT_FETCH_TIMEOUT", "250ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Module != "from-env.wasm" {
		t.Errorf("module = %q", cfg.Module)
	}
	if !cfg.Assertions {
		t.Error("assertions not overridden")
	}
	if len(cfg.Libraries) != 2 || cfg.Libraries[1] != "b.wasm" {
		t.Errorf("libraries = %v", cfg.Libraries)
	}
	if cfg.FetchTimeout != 250*time.Millisecond {
		t.Errorf("fetch timeout = %v", cfg.FetchTimeout)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"malformed toml", `module = `, nil},
		{"bad duration", `fetch_timeout = "soon"`, nil},
		{"bad env", ``, map[string]string{"WASMBOOT_MEMORY_BASE": "high"}},
		{"bad mode", `mode = "thread"`, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeConfig(t, tc.body))
			if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidData}) &&
				!stderrors.Is(err, &errors.Error{Phase: errors.PhaseConfig, Kind: errors.KindInvalidInput}) {
				t.Errorf("Load error = %v, want a config error", err)
			}
		})
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeWorker
	cfg.Proxy = true
	cfg.MaxBody = -1
	cfg.LogLevel = "loud"
	cfg.LogFormat = "xml"

	err := cfg.Validate()
	if got := len(multierr.Errors(err)); got != 4 {
		t.Errorf("Validate returned %d errors, want 4: %v", got, err)
	}
}
