// Package host defines the platform collaborators the bootstrap layer
// consumes, and their production implementations.
//
// A module instance runs on exactly one Executor. Collaborators that complete
// work on other goroutines (fetches, timers) re-enter the instance by
// submitting a task to that Executor, so startup state is only ever touched by
// one logical thread.
//
//	Executor  serial task queue (Loop)
//	Fetcher   asynchronous byte fetch returning a Request (HTTPFetcher, FileFetcher, Mux)
//	Timers    one-shot timers whose callbacks run on an Executor (SystemTimers)
//	Exiter    receives the process exit outcome (ExitRecorder)
//
// Deterministic fakes for tests live in host/hosttest.
package host
