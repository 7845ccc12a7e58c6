package host

import (
	"context"
	"time"
)

// Executor runs tasks one at a time in submission order.
type Executor interface {
	// Submit queues task. It reports false if the executor no longer accepts work.
	Submit(task func()) bool
}

// Request is an in-flight or completed fetch.
type Request interface {
	URL() string
	// Status is the transport status code. 0 means no status, as for local reads.
	Status() int
	Body() []byte
	Err() error
	// Release drops the body but keeps status and URL for inspection.
	Release()
	// OnComplete registers fn to run once the request settles. If it already
	// has, fn runs immediately on the calling goroutine.
	OnComplete(fn func())
}

// Fetcher starts asynchronous fetches.
type Fetcher interface {
	Fetch(ctx context.Context, url string) Request
}

// SyncReader is implemented by fetchers that can read a locator without
// suspending, such as local files.
type SyncReader interface {
	ReadSync(url string) ([]byte, error)
}

// Timer is a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports false if the timer already fired or was stopped.
	Stop() bool
}

// Timers schedules callbacks.
type Timers interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// Exiter receives exit outcomes. implicit is true when the entry point
// returned normally rather than requesting exit explicitly.
type Exiter interface {
	Exit(code int, implicit bool)
}

// ExitFunc adapts a function to Exiter.
type ExitFunc func(code int, implicit bool)

func (f ExitFunc) Exit(code int, implicit bool) {
	f(code, implicit)
}
