// Package wasmboot brings a precompiled WebAssembly module to a runnable state.
//
// A module is not runnable as soon as it is instantiated: its memory
// initializer may still be in flight, side modules may still be loading, and
// in worker mode requests may arrive before static constructors have run.
// This library gates startup on those prerequisites, runs initialization
// exactly once, calls the entry point with C-style arguments and, in worker
// mode, queues and dispatches inbound calls once the module is ready.
//
// # Architecture Overview
//
//	wasmboot/            Root package with Memory, Allocator and Module interfaces
//	├── runtime/         High-level API: load a module and drive its startup
//	├── startup/         Startup sequencer state machine
//	├── gate/            Reference-counted run-dependency gate
//	├── meminit/         Memory initializer loader
//	├── entry/           Entry point invocation and exit mapping
//	├── worker/          Worker-mode message multiplexer and wire codec
//	├── engine/          wazero integration (exports, stack, asyncify, side modules)
//	├── heap/            sbrk/brk program break over linear memory
//	├── memory/          Linear memory implementations
//	├── host/            Collaborator interfaces: executor, fetch, timers, exit
//	├── config/          TOML + environment configuration for the CLI
//	└── errors/          Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.Load(ctx, wasmBytes, runtime.Options{
//	    Args: []string{"--verbose"},
//	    MemoryInit: meminit.Config{Source: "app.mem", Base: 1024},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mod.Close(ctx)
//
//	mod.Start(ctx)
//	code, err := mod.Wait(ctx)
//
// # Concurrency
//
// Every loaded module owns a single executor goroutine. All startup state
// lives on that goroutine; fetch completions and timers re-enter through it.
// Worker-mode messages posted with Module.Post are queued onto the same
// executor, so dispatch order always matches arrival order.
package wasmboot
