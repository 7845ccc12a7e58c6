// Package startup sequences a module instance from construction to a
// completed or aborted run.
//
//	Constructed -> PreRun -> AwaitingDependencies -> Initializing
//	            -> MainInvocation -> PostRun -> Complete
//
// Any state may move to Aborted, which is terminal.
//
// The Sequencer owns the instance's dependency gate. Run records the request
// to start; every time the gate drains the sequencer tries again. Once the
// run has begun, further attempts are no-ops, so initialization and the
// entry point each happen at most once no matter how often dependencies
// come and go.
//
// All methods except Wait, State and Runtime must be called from the
// instance's executor.
package startup
