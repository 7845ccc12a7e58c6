// Package engine runs Emscripten output on wazero.
//
// The package provides three main types:
//
//	WazeroEngine   - owns the wazero runtime and the shared env and WASI hosts
//	WazeroModule   - a compiled main module
//	WazeroInstance - an instantiated module with memory, heap and exports
//
// Modules are instantiated without running their start function. The startup
// sequencer decides when constructors and the entry point run.
//
// # Host imports
//
// The env module supplies the imports Emscripten output expects from its
// JavaScript glue: worker responses, heap resizing, a clock and sleep.
// Worker responses are routed to the responder attached to the call context
// with WithWorkerResponder.
//
// # Asyncify
//
// Modules built with -sASYNCIFY export asyncify_* control functions. Every
// top-level export call into such a module runs under a Scheduler, so async
// imports can unwind the guest, wait, and rewind it:
//
//	guest -> emscripten_sleep -> Suspend -> unwind
//	Scheduler executes the PendingOp
//	Scheduler rewinds -> emscripten_sleep -> Resume -> guest continues
//
// Without asyncify the same imports block the calling goroutine.
//
// # Side modules
//
// SideModules loads dynamic libraries listed by the embedder before the
// main module runs, holding one startup dependency per library.
package engine
