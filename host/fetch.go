package host

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-boot/errors"
)

// DefaultMaxBody caps the size of a fetched body.
const DefaultMaxBody = 1 << 30

// HTTPFetcher fetches over HTTP(S). Each Fetch runs on its own goroutine.
type HTTPFetcher struct {
	Client  *http.Client
	Logger  *zap.Logger
	MaxBody int64
}

func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) Request {
	req := NewPending(locator)
	go func() {
		status, body, err := f.get(ctx, locator)
		req.Complete(status, body, err)
	}()
	return req
}

func (f *HTTPFetcher) get(ctx context.Context, locator string) (int, []byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	log := f.Logger
	if log == nil {
		log = Logger()
	}
	maxBody := f.MaxBody
	if maxBody <= 0 {
		maxBody = DefaultMaxBody
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return 0, nil, errors.LoadFailure(locator, err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, nil, errors.LoadFailure(locator, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody+1))
	if err != nil {
		return resp.StatusCode, nil, errors.LoadFailure(locator, err)
	}
	if int64(len(body)) > maxBody {
		return resp.StatusCode, nil, errors.LoadFailure(locator, fmt.Errorf("body exceeds %d bytes", maxBody))
	}

	log.Debug("fetched",
		zap.String("url", locator),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))
	return resp.StatusCode, body, nil
}

// FileFetcher reads local files. Relative paths resolve against Root.
// Fetch completes with status 0 on success, matching local reads in a browser.
type FileFetcher struct {
	Root string
}

func (f *FileFetcher) Fetch(_ context.Context, locator string) Request {
	req := NewPending(locator)
	go func() {
		body, err := f.ReadSync(locator)
		req.Complete(0, body, err)
	}()
	return req
}

// ReadSync reads the file named by locator. file:// URLs are accepted.
func (f *FileFetcher) ReadSync(locator string) ([]byte, error) {
	path := locator
	if strings.HasPrefix(locator, "file://") {
		u, err := url.Parse(locator)
		if err != nil {
			return nil, errors.LoadFailure(locator, err)
		}
		path = u.Path
	}
	if f.Root != "" && !strings.HasPrefix(path, "/") {
		path = f.Root + "/" + path
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.LoadFailure(locator, err)
	}
	return body, nil
}

// Mux routes fetches by URL scheme. Locators without a scheme go to the
// fetcher registered for "".
type Mux struct {
	schemes map[string]Fetcher
	mu      sync.RWMutex
}

// NewMux returns a mux with http, https and file handlers installed.
func NewMux(client *http.Client, root string) *Mux {
	m := &Mux{schemes: make(map[string]Fetcher)}
	web := &HTTPFetcher{Client: client}
	local := &FileFetcher{Root: root}
	m.Handle("http", web)
	m.Handle("https", web)
	m.Handle("file", local)
	m.Handle("", local)
	return m
}

// Handle registers f for scheme, replacing any previous registration.
func (m *Mux) Handle(scheme string, f Fetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schemes == nil {
		m.schemes = make(map[string]Fetcher)
	}
	m.schemes[strings.ToLower(scheme)] = f
}

func (m *Mux) route(locator string) (Fetcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.schemes[schemeOf(locator)]
	return f, ok
}

func (m *Mux) Fetch(ctx context.Context, locator string) Request {
	f, ok := m.route(locator)
	if !ok {
		req := NewPending(locator)
		req.Complete(0, nil, errors.LoadFailure(locator, fmt.Errorf("no fetcher for scheme %q", schemeOf(locator))))
		return req
	}
	return f.Fetch(ctx, locator)
}

// ReadSync reads locator synchronously if the routed fetcher supports it.
func (m *Mux) ReadSync(locator string) ([]byte, error) {
	f, ok := m.route(locator)
	if !ok {
		return nil, errors.LoadFailure(locator, fmt.Errorf("no fetcher for scheme %q", schemeOf(locator)))
	}
	sr, ok := f.(SyncReader)
	if !ok {
		return nil, errors.LoadFailure(locator, fmt.Errorf("scheme %q cannot be read synchronously", schemeOf(locator)))
	}
	return sr.ReadSync(locator)
}

// CanReadSync reports whether locator routes to a SyncReader.
func (m *Mux) CanReadSync(locator string) bool {
	f, ok := m.route(locator)
	if !ok {
		return false
	}
	_, ok = f.(SyncReader)
	return ok
}

func schemeOf(locator string) string {
	i := strings.Index(locator, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(locator[:i])
}
