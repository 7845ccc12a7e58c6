// Package hosttest provides deterministic host collaborators for tests.
package hosttest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wippyai/wasm-boot/host"
)

// ManualExecutor queues tasks until RunPending is called.
type ManualExecutor struct {
	tasks  []func()
	mu     sync.Mutex
	closed bool
}

func (e *ManualExecutor) Submit(task func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || task == nil {
		return false
	}
	e.tasks = append(e.tasks, task)
	return true
}

// Close makes further Submit calls fail.
func (e *ManualExecutor) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Len returns the number of queued tasks.
func (e *ManualExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// RunPending runs queued tasks, including ones queued while running, until
// the queue is empty. It returns the number of tasks run.
func (e *ManualExecutor) RunPending() int {
	n := 0
	for {
		e.mu.Lock()
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return n
		}
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		e.mu.Unlock()

		task()
		n++
	}
}

// ManualTimers is a virtual clock. Callbacks run inline from Advance.
type ManualTimers struct {
	timers []*manualTimer
	now    time.Duration
	seq    int
	mu     sync.Mutex
}

type manualTimer struct {
	fn      func()
	owner   *ManualTimers
	at      time.Duration
	seq     int
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (m *ManualTimers) AfterFunc(d time.Duration, fn func()) host.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{fn: fn, owner: m, at: m.now + d, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

// Now returns the virtual time elapsed.
func (m *ManualTimers) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Active returns the number of timers neither fired nor stopped.
func (m *ManualTimers) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, firing due timers in deadline order.
// Timers scheduled by callbacks fire in the same call if they fall due.
func (m *ManualTimers) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()

	for {
		m.mu.Lock()
		var due []*manualTimer
		for _, t := range m.timers {
			if !t.stopped && !t.fired && t.at <= target {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			m.now = target
			m.compact()
			m.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at != due[j].at {
				return due[i].at < due[j].at
			}
			return due[i].seq < due[j].seq
		})
		next := due[0]
		next.fired = true
		if next.at > m.now {
			m.now = next.at
		}
		m.mu.Unlock()

		next.fn()
	}
}

func (m *ManualTimers) compact() {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	m.timers = live
}

// FakeFetcher hands out pending requests that tests complete by hand.
type FakeFetcher struct {
	requests []*host.Pending
	mu       sync.Mutex
}

func (f *FakeFetcher) Fetch(_ context.Context, url string) host.Request {
	req := host.NewPending(url)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return req
}

// Requests returns every request issued so far.
func (f *FakeFetcher) Requests() []*host.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*host.Pending(nil), f.requests...)
}

// Last returns the most recent request, or nil.
func (f *FakeFetcher) Last() *host.Pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// SyncFetcher serves fixed bodies both synchronously and asynchronously.
type SyncFetcher struct {
	Files map[string][]byte
	Reads int
}

func (f *SyncFetcher) ReadSync(url string) ([]byte, error) {
	f.Reads++
	body, ok := f.Files[url]
	if !ok {
		return nil, errNotFound(url)
	}
	return body, nil
}

func (f *SyncFetcher) Fetch(_ context.Context, url string) host.Request {
	req := host.NewPending(url)
	body, err := f.ReadSync(url)
	req.Complete(0, body, err)
	return req
}

// Exit is one recorded exit call.
type Exit struct {
	Code     int
	Implicit bool
}

// RecordingExiter records every Exit call.
type RecordingExiter struct {
	Calls []Exit
	mu    sync.Mutex
}

func (r *RecordingExiter) Exit(code int, implicit bool) {
	r.mu.Lock()
	r.Calls = append(r.Calls, Exit{Code: code, Implicit: implicit})
	r.mu.Unlock()
}

// Exits returns a copy of recorded calls.
func (r *RecordingExiter) Exits() []Exit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Exit(nil), r.Calls...)
}
