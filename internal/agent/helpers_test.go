package agent

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://origin.test"

var errNetworkDown = errors.New("network is down")

type fakeResponse struct {
	status int
	header http.Header
	body   string
}

// fakeNet is an in-memory origin. Requests are routed by path.
type fakeNet struct {
	mu      sync.Mutex
	routes  map[string]fakeResponse
	failing map[string]bool
	offline bool
	calls   map[string]int
	total   int
	posts   map[string][][]byte
	gates   map[string]*fakeGate
}

// fakeGate holds requests for one path until released.
type fakeGate struct {
	entered chan struct{}
	release chan struct{}
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		routes:  map[string]fakeResponse{},
		failing: map[string]bool{},
		calls:   map[string]int{},
		posts:   map[string][][]byte{},
		gates:   map[string]*fakeGate{},
	}
}

func (f *fakeNet) handle(path string, status int, body string, kv ...string) {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	f.mu.Lock()
	f.routes[path] = fakeResponse{status: status, header: h, body: body}
	f.mu.Unlock()
}

func (f *fakeNet) fail(path string) {
	f.mu.Lock()
	f.failing[path] = true
	f.mu.Unlock()
}

func (f *fakeNet) setOffline(v bool) {
	f.mu.Lock()
	f.offline = v
	f.mu.Unlock()
}

// gate makes requests for path block until release is called. entered
// receives once per blocked request.
func (f *fakeNet) gate(path string) (entered <-chan struct{}, release func()) {
	g := &fakeGate{entered: make(chan struct{}, 8), release: make(chan struct{})}
	f.mu.Lock()
	f.gates[path] = g
	f.mu.Unlock()
	var once sync.Once
	return g.entered, func() { once.Do(func() { close(g.release) }) }
}

func (f *fakeNet) hits(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[path]
}

func (f *fakeNet) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

func (f *fakeNet) reset() {
	f.mu.Lock()
	f.calls = map[string]int{}
	f.total = 0
	f.mu.Unlock()
}

func (f *fakeNet) posted(path string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.posts[path]...)
}

func (f *fakeNet) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		_ = req.Body.Close()
	}

	p := req.URL.Path
	f.mu.Lock()
	g := f.gates[p]
	f.mu.Unlock()
	if g != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-g.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[p]++
	f.total++
	if f.offline || f.failing[p] {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, errNetworkDown)
	}
	if req.Method == http.MethodPost {
		f.posts[p] = append(f.posts[p], body)
	}
	r, ok := f.routes[p]
	if !ok {
		r = fakeResponse{status: http.StatusNotFound, body: "not found"}
	}
	h := r.header.Clone()
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(r.body)),
		Request:    req,
	}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustURL(t testing.TB, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

const baseConfig = `
version: v1
server:
  origin: http://origin.test
  publicOrigin: http://agent.test
cache:
  manifest: ["/", "/index.html", "/bundle.js"]
`

func testConfig(t testing.TB, extra string) Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(baseConfig + extra))
	require.NoError(t, err)
	return cfg
}

func serveManifest(n *fakeNet) {
	n.handle("/", http.StatusOK, "<html>root</html>", "Content-Type", "text/html")
	n.handle("/index.html", http.StatusOK, "<html>index</html>", "Content-Type", "text/html")
	n.handle("/bundle.js", http.StatusOK, "console.log(1)", "Content-Type", "application/javascript")
}

type testEnv struct {
	cfg   Config
	net   *fakeNet
	store *Store
	svc   *Service
	reg   *prometheus.Registry
}

// newTestEnv builds a service on an in-memory store. It is not started.
func newTestEnv(t testing.TB, extra string, deps Deps) *testEnv {
	t.Helper()
	cfg := testConfig(t, extra)
	n := newFakeNet()
	serveManifest(n)

	store, err := OpenMemStore(cfg.StoreOptions())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	deps.Network = n
	deps.Store = store
	deps.Logger = discardLogger()
	deps.Registry = reg
	svc, err := NewService(cfg, deps)
	require.NoError(t, err)

	t.Cleanup(func() {
		svc.Close()
		_ = store.Close()
	})
	return &testEnv{cfg: cfg, net: n, store: store, svc: svc, reg: reg}
}

func (e *testEnv) get(t testing.TB, path string, kv ...string) Request {
	t.Helper()
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return Request{Method: http.MethodGet, URL: mustURL(t, testOrigin+path), Header: h}
}

func (e *testEnv) stored(t testing.TB, gen, path string) (CacheEntry, bool) {
	t.Helper()
	ent, ok, err := e.store.Get(gen, Fingerprint(http.MethodGet, mustURL(t, testOrigin+path)))
	require.NoError(t, err)
	return ent, ok
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
	}
}
