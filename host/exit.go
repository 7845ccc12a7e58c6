package host

import "sync"

// ExitRecorder is an Exiter that keeps the first exit outcome and signals
// waiters.
type ExitRecorder struct {
	done     chan struct{}
	code     int
	implicit bool
	once     sync.Once
	mu       sync.Mutex
}

func NewExitRecorder() *ExitRecorder {
	return &ExitRecorder{done: make(chan struct{})}
}

func (r *ExitRecorder) Exit(code int, implicit bool) {
	r.once.Do(func() {
		r.mu.Lock()
		r.code = code
		r.implicit = implicit
		r.mu.Unlock()
		close(r.done)
	})
}

// Done is closed after the first Exit.
func (r *ExitRecorder) Done() <-chan struct{} {
	return r.done
}

// Code returns the recorded code and whether the exit was implicit.
func (r *ExitRecorder) Code() (code int, implicit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.code, r.implicit
}
