package meminit

import (
	"context"
	stderrors "errors"
	"fmt"

	"go.uber.org/zap"

	wasmboot "github.com/wippyai/wasm-boot"
	"github.com/wippyai/wasm-boot/errors"
	"github.com/wippyai/wasm-boot/gate"
	"github.com/wippyai/wasm-boot/host"
)

// DependencyLabel is the gate label held while the image is being fetched.
const DependencyLabel = "memory initializer"

// State is the loader's progress.
type State int

const (
	Idle State = iota
	Locating
	Fetching
	Applying
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locating:
		return "locating"
	case Fetching:
		return "fetching"
	case Applying:
		return "applying"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config describes one memory initializer.
type Config struct {
	// Request is a fetch the embedder already started. When Source is empty
	// its URL is used.
	Request host.Request
	// Locate maps a locator to the one actually fetched. data: URIs are not
	// passed through it.
	Locate func(string) string
	Logger *zap.Logger
	// Source is a data: URI or a locator. Empty means no initializer.
	Source string
	// Base is the linear-memory offset the image is written at.
	Base uint32
	// Assertions requires the target region to be zero before writing.
	Assertions bool
}

type syncChecker interface {
	CanReadSync(locator string) bool
}

// Loader applies one memory initializer. It is driven from a single executor.
type Loader struct {
	mem       wasmboot.Memory
	gate      *gate.Gate
	fetcher   host.Fetcher
	exec      host.Executor
	logger    *zap.Logger
	onFailure func(error)
	ctx       context.Context
	request   host.Request
	err       error
	cfg       Config
	locator   string
	state     State
	holding   bool
}

// New creates a loader. fetcher and exec may be nil when the source never
// needs an asynchronous fetch.
func New(mem wasmboot.Memory, g *gate.Gate, fetcher host.Fetcher, exec host.Executor, cfg Config) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = Logger()
	}
	return &Loader{
		mem:     mem,
		gate:    g,
		fetcher: fetcher,
		exec:    exec,
		logger:  logger,
		cfg:     cfg,
		request: cfg.Request,
	}
}

// OnFailure registers the handler for asynchronous load failures. It runs
// before the gate token is released.
func (l *Loader) OnFailure(fn func(error)) {
	l.onFailure = fn
}

// State returns the current state.
func (l *Loader) State() State { return l.state }

// Err returns the failure, if any.
func (l *Loader) Err() error { return l.err }

// Request returns the request the image came from, if it was fetched. Its
// body has been released once the image is applied.
func (l *Loader) Request() host.Request { return l.request }

// Start begins loading. Synchronous sources are applied before Start returns
// and their failures are returned directly. Asynchronous failures go to the
// OnFailure handler.
func (l *Loader) Start(ctx context.Context) error {
	if l.state != Idle {
		return errors.InvariantViolation(errors.PhaseLoad, "memory initializer started twice")
	}
	l.ctx = ctx

	source := l.cfg.Source
	if source == "" && l.cfg.Request != nil {
		source = l.cfg.Request.URL()
	}
	if source == "" {
		l.state = Done
		return nil
	}

	if IsDataURI(source) {
		l.locator = source
		data, err := DecodeDataURI(source)
		if err != nil {
			return l.failSync(err)
		}
		return l.applySync(data)
	}

	l.state = Locating
	if l.cfg.Locate != nil {
		source = l.cfg.Locate(source)
	}
	l.locator = source

	if l.cfg.Request == nil {
		if data, ok, err := l.readSync(source); ok {
			if err != nil {
				return l.failSync(loadFailure(source, err))
			}
			return l.applySync(data)
		}
	}

	if l.request == nil && l.fetcher == nil {
		return l.failSync(errors.NotInitialized(errors.PhaseLoad, "fetcher"))
	}
	if l.exec == nil {
		return l.failSync(errors.NotInitialized(errors.PhaseLoad, "executor"))
	}

	l.gate.Add(DependencyLabel)
	l.holding = true
	l.state = Fetching

	if l.request == nil {
		l.watch(l.fetcher.Fetch(ctx, source), false)
		return nil
	}
	l.watch(l.request, l.fetcher != nil)
	return nil
}

func (l *Loader) readSync(source string) ([]byte, bool, error) {
	reader, ok := l.fetcher.(host.SyncReader)
	if !ok {
		return nil, false, nil
	}
	if c, ok := l.fetcher.(syncChecker); ok && !c.CanReadSync(source) {
		return nil, false, nil
	}
	data, err := reader.ReadSync(source)
	return data, true, err
}

// watch waits for req. Completion is always handled on the executor, even
// if the request had already settled.
func (l *Loader) watch(req host.Request, fallback bool) {
	l.request = req
	req.OnComplete(func() {
		if !l.exec.Submit(func() { l.complete(req, fallback) }) {
			l.logger.Warn("executor closed before memory initializer completed",
				zap.String("url", req.URL()))
		}
	})
}

func (l *Loader) complete(req host.Request, fallback bool) {
	if l.state != Fetching {
		return
	}

	status := req.Status()
	err := req.Err()
	if err == nil && (status == 200 || status == 0) {
		l.apply(req.Body())
		return
	}

	if !fallback {
		if err == nil {
			err = fmt.Errorf("unexpected status %d", status)
		}
		l.fail(loadFailure(req.URL(), err))
		return
	}

	l.logger.Warn("memory initializer request failed, fetching again",
		zap.String("url", req.URL()),
		zap.Int("status", status),
		zap.Error(err))

	if IsDataURI(req.URL()) {
		data, derr := DecodeDataURI(req.URL())
		if derr != nil {
			l.fail(derr)
			return
		}
		l.apply(data)
		return
	}
	l.watch(l.fetcher.Fetch(l.ctx, l.locator), false)
}

func (l *Loader) write(data []byte) error {
	l.state = Applying
	if l.cfg.Assertions {
		region, err := l.mem.Read(l.cfg.Base, uint32(len(data)))
		if err != nil {
			return err
		}
		for i, b := range region {
			if b != 0 {
				return errors.InvariantViolation(errors.PhaseLoad,
					"memory initializer target is not zero at offset %d", l.cfg.Base+uint32(i))
			}
		}
	}
	if err := l.mem.Write(l.cfg.Base, data); err != nil {
		return err
	}
	if l.request != nil {
		l.request.Release()
	}
	l.state = Done
	l.logger.Debug("memory initializer applied",
		zap.String("source", l.describe()),
		zap.Uint32("base", l.cfg.Base),
		zap.Int("bytes", len(data)))
	return nil
}

func (l *Loader) applySync(data []byte) error {
	if err := l.write(data); err != nil {
		return l.failSync(err)
	}
	return nil
}

func (l *Loader) apply(data []byte) {
	if err := l.write(data); err != nil {
		l.fail(err)
		return
	}
	l.release()
}

func (l *Loader) failSync(err error) error {
	l.state = Failed
	l.err = err
	return err
}

func (l *Loader) fail(err error) {
	l.state = Failed
	l.err = err
	if l.onFailure != nil {
		l.onFailure(err)
	}
	l.release()
}

func (l *Loader) release() {
	if !l.holding {
		return
	}
	l.holding = false
	if err := l.gate.Remove(DependencyLabel); err != nil {
		l.logger.Error("memory initializer token", zap.Error(err))
	}
}

func (l *Loader) describe() string {
	if IsDataURI(l.locator) {
		return "data URI"
	}
	return l.locator
}

func loadFailure(locator string, cause error) error {
	var e *errors.Error
	if stderrors.As(cause, &e) && e.Kind == errors.KindLoadFailure {
		cause = e.Cause
	}
	return errors.LoadFailure("memory initializer "+locator, cause)
}
