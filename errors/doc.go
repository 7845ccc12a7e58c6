// Package errors provides structured error types for the bootstrap layer.
//
// Errors are categorized by Phase (which component raised them) and Kind
// (error category). The taxonomy maps onto the failure classes of startup:
//
//	KindLoadFailure   memory initializer could not be fetched or applied
//	KindInvariant     caller bug such as a dependency counter underflow
//	KindNotFound      worker message named an unknown export (PhaseDispatch)
//	KindEntryFailure  entry point trapped or panicked
//	KindAborted       runtime refused to proceed after a fatal error
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDispatch, errors.KindNotFound).
//		Symbol("doesNotExist").
//		Detail("invalid worker function to call").
//		Build()
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
