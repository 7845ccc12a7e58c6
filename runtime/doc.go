// Package runtime is the embedding API: it loads Emscripten output and
// drives each instance through startup.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.LoadFile(ctx, "app.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := mod.Instantiate(ctx, runtime.Options{
//	    MemoryInit: meminit.Config{Source: "app.html.mem"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	if err := inst.Start(ctx, os.Args[1:]); err != nil {
//	    log.Fatal(err)
//	}
//	code, err := inst.Wait(ctx)
//
// # Startup
//
// Start runs on the instance's executor:
//
//  1. PreInit hooks, in order
//  2. the memory initializer, holding a dependency while it is fetched
//  3. the run request: stack cookies, side modules, PreRun hooks,
//     static constructors, OnRuntimeInitialized, the entry point,
//     PostRun hooks and the stack check
//
// Any failure along the way aborts the instance once; Wait returns the
// terminal error.
//
// # Workers
//
// With Mode set to startup.Worker the entry point is not called. Messages
// passed to Post are queued until the runtime is initialized and then
// dispatched in arrival order. Responses the module sends reach the
// Options.Responder.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. Instance methods may be
// called from any goroutine; guest code only ever runs on the instance's
// executor.
package runtime
