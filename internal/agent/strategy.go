package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Outcome labels how a response was produced. It is echoed in X-Edge-Agent.
type Outcome string

const (
	OutcomeHit           Outcome = "hit"
	OutcomeMiss          Outcome = "miss"
	OutcomeNetwork       Outcome = "network"
	OutcomeStale         Outcome = "stale"
	OutcomeFallbackCache Outcome = "fallback-cache"
	OutcomeFallbackRoot  Outcome = "fallback-root"
	OutcomeOffline       Outcome = "offline"
	OutcomeBypass        Outcome = "bypass"
	OutcomeBadGateway    Outcome = "bad-gateway"
)

// Request is an intercepted request with its body already buffered.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

type generationSource interface {
	Active() ActiveSet
}

// Engine resolves every intercepted request to exactly one response.
type Engine struct {
	root       *url.URL
	classifier *Classifier
	rules      []Rule
	store      *Store
	net        Doer
	gens       generationSource

	log     *slog.Logger
	opsLog  *rateLimitedLogger
	metrics *metrics
	stats   *statsCollector

	refreshTimeout time.Duration
	bgSem          chan struct{}
	inflight       singleflight.Group

	// background refreshes hang off ctx, not off the originating request
	ctx context.Context
	wg  *sync.WaitGroup
}

// Serve classifies req and runs the matching strategy. It never fails: the
// caller always receives some response.
func (e *Engine) Serve(ctx context.Context, req Request) (CacheEntry, Outcome) {
	class := e.classifier.Classify(req.Method, req.URL, req.Header)
	ent, out := e.serve(ctx, class, req)
	e.metrics.requests.WithLabelValues(class.String(), string(out)).Inc()
	if e.stats != nil {
		e.stats.Observe(out, len(ent.Body))
	}
	return ent, out
}

func (e *Engine) serve(ctx context.Context, class Class, req Request) (CacheEntry, Outcome) {
	if !isNetworkScheme(req.URL.Scheme) {
		return e.passThrough(ctx, req)
	}

	st := class.Strategy()
	if rule := e.pickRule(req.URL.Path); rule != nil {
		if rule.Bypass || hasAnyCookie(req.Header, rule.BypassWhenCookies) {
			return e.passThrough(ctx, req)
		}
		if rule.override {
			st = rule.strategy
		}
	}

	switch st {
	case CacheFirst:
		return e.cacheFirst(ctx, req)
	case NetworkFirst:
		return e.networkFirst(ctx, req)
	case StaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, req)
	}
	panic(fmt.Sprintf("unhandled strategy %d", int(st)))
}

func (e *Engine) cacheFirst(ctx context.Context, req Request) (CacheEntry, Outcome) {
	fp := Fingerprint(req.Method, req.URL)
	act := e.gens.Active()
	if ent, ok := e.lookup(fp, act.Static); ok {
		return ent, OutcomeHit
	}

	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.networkFailed(CacheFirst, req, err)
		return e.rootOrOffline(act)
	}
	if storable(req.Method, ent) {
		e.put(act.Static, KindStatic, fp, ent)
	}
	return ent, OutcomeMiss
}

func (e *Engine) networkFirst(ctx context.Context, req Request) (CacheEntry, Outcome) {
	fp := Fingerprint(req.Method, req.URL)
	act := e.gens.Active()

	ent, err := e.fetch(ctx, req)
	if err == nil {
		if storable(req.Method, ent) {
			e.put(act.Dynamic, KindDynamic, fp, ent)
		}
		return ent, OutcomeNetwork
	}
	e.networkFailed(NetworkFirst, req, err)

	if cached, ok := e.lookup(fp, act.Dynamic, act.Static); ok {
		return cached, OutcomeFallbackCache
	}
	if isDocumentRequest(req.Method, req.Header) {
		if root, ok := e.rootDocument(act); ok {
			return root, OutcomeFallbackRoot
		}
	}
	return offline(http.StatusServiceUnavailable), OutcomeOffline
}

func (e *Engine) staleWhileRevalidate(ctx context.Context, req Request) (CacheEntry, Outcome) {
	fp := Fingerprint(req.Method, req.URL)
	act := e.gens.Active()

	if cached, ok := e.lookup(fp, act.Dynamic, act.Static); ok {
		e.revalidateAsync(req, fp, act.Dynamic)
		return cached, OutcomeStale
	}

	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.networkFailed(StaleWhileRevalidate, req, err)
		return e.rootOrOffline(act)
	}
	if storable(req.Method, ent) {
		e.put(act.Dynamic, KindDynamic, fp, ent)
	}
	return ent, OutcomeMiss
}

func (e *Engine) passThrough(ctx context.Context, req Request) (CacheEntry, Outcome) {
	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.log.Debug("pass-through failed", "url", req.URL.String(), "error", err)
		return textEntry(http.StatusBadGateway, "bad gateway"), OutcomeBadGateway
	}
	return ent, OutcomeBypass
}

func (e *Engine) fetch(ctx context.Context, req Request) (CacheEntry, error) {
	return fetch(ctx, e.net, req.Method, req.URL, req.Header, req.Body)
}

func (e *Engine) networkFailed(st Strategy, req Request, err error) {
	e.metrics.networkFailures.WithLabelValues(st.String()).Inc()
	e.log.Debug("network fetch failed", "strategy", st.String(), "url", req.URL.String(), "error", err)
}

// lookup treats read errors as misses.
func (e *Engine) lookup(fp string, gens ...string) (CacheEntry, bool) {
	ent, _, ok, err := e.store.Match(fp, gens...)
	if err != nil {
		e.metrics.cacheErrors.WithLabelValues("read").Inc()
		e.opsLog.Warn("cache read failed", "key", fp, "error", err)
	}
	return ent, ok
}

// put reports whether ent was stored.
func (e *Engine) put(gen string, kind Kind, fp string, ent CacheEntry) bool {
	if gen == "" {
		return false
	}
	err := e.store.PutServing(gen, kind, fp, ent)
	if errors.Is(err, ErrNotServing) {
		e.log.Debug("generation retired during fetch, not stored", "generation", gen, "key", fp)
		return false
	}
	if err != nil {
		e.metrics.cacheErrors.WithLabelValues("write").Inc()
		e.opsLog.Warn("cache write failed", "generation", gen, "key", fp, "error", err)
		return false
	}
	return true
}

func (e *Engine) rootFingerprint() string {
	u := *e.root
	u.Path = "/"
	u.RawPath = ""
	u.RawQuery = ""
	return Fingerprint(http.MethodGet, &u)
}

func (e *Engine) rootDocument(act ActiveSet) (CacheEntry, bool) {
	return e.lookup(e.rootFingerprint(), act.Static, act.Dynamic)
}

func (e *Engine) rootOrOffline(act ActiveSet) (CacheEntry, Outcome) {
	if root, ok := e.rootDocument(act); ok {
		return root, OutcomeFallbackRoot
	}
	return offline(http.StatusOK), OutcomeOffline
}

// revalidateAsync refreshes gen in the background. At most one refresh per
// fingerprint is in flight and at most cap(bgSem) run at once; the rest are
// skipped.
func (e *Engine) revalidateAsync(req Request, fp, gen string) {
	if gen == "" || req.Method != http.MethodGet || e.ctx.Err() != nil {
		return
	}
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.metrics.refreshes.WithLabelValues("skipped").Inc()
		return
	}
	req.Header = req.Header.Clone()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		_, _, _ = e.inflight.Do(fp, func() (any, error) {
			ctx, cancel := context.WithTimeout(e.ctx, e.refreshTimeout)
			defer cancel()
			e.revalidateOnce(ctx, req, fp, gen)
			return nil, nil
		})
	}()
}

func (e *Engine) revalidateOnce(ctx context.Context, req Request, fp, gen string) {
	ent, err := e.fetch(ctx, req)
	if err != nil {
		e.metrics.refreshes.WithLabelValues("failed").Inc()
		e.log.Debug("background refresh failed", "url", req.URL.String(), "error", err)
		return
	}
	if !storable(req.Method, ent) {
		e.metrics.refreshes.WithLabelValues("not-stored").Inc()
		return
	}
	if cur, ok, err := e.store.Get(gen, fp); err == nil && ok && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
		e.metrics.refreshes.WithLabelValues("unchanged").Inc()
		return
	}
	if e.put(gen, KindDynamic, fp, ent) {
		e.metrics.refreshes.WithLabelValues("updated").Inc()
	}
}

func (e *Engine) pickRule(path string) *Rule {
	for i := range e.rules {
		r := &e.rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range (&http.Request{Header: h}).Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func offline(status int) CacheEntry {
	return textEntry(status, "Offline")
}

func textEntry(status int, body string) CacheEntry {
	return CacheEntry{
		Status:   status,
		Header:   http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}
