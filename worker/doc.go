// Package worker routes request messages to a module's exported functions
// when the module runs as a worker.
//
// Messages that arrive before the module is initialized are queued. Once the
// runtime signals readiness (Flush) the queue drains in arrival order and
// later messages dispatch immediately. If no readiness signal is wired, a
// recheck timer polls the initialized predicate instead.
//
// Each dispatched function receives its payload as (ptr, len) in a single
// reusable buffer in module memory. It replies through Respond, which the
// engine exposes to the module as host imports.
//
// Messages and responses travel as CBOR; see Encoder and Decoder.
package worker
