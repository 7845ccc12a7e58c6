package host

import "sync"

// Pending is a Request settled by an explicit call to Complete. Fetchers
// return one immediately and complete it from their worker goroutine.
type Pending struct {
	err       error
	url       string
	body      []byte
	callbacks []func()
	status    int
	mu        sync.Mutex
	done      bool
	released  bool
}

// NewPending returns an unsettled request for url.
func NewPending(url string) *Pending {
	return &Pending{url: url}
}

// Complete settles the request. Only the first call has any effect.
func (p *Pending) Complete(status int, body []byte, err error) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.status = status
	p.body = body
	p.err = err
	callbacks := p.callbacks
	p.callbacks = nil
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (p *Pending) URL() string { return p.url }

func (p *Pending) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Pending) Body() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.body
}

func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done reports whether the request has settled.
func (p *Pending) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Released reports whether Release has been called.
func (p *Pending) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

func (p *Pending) Release() {
	p.mu.Lock()
	p.body = nil
	p.released = true
	p.mu.Unlock()
}

func (p *Pending) OnComplete(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if !p.done {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	fn()
}
