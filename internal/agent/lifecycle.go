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

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the newest agent instance.
type State int

const (
	StateIdle State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

var ErrNoPendingInstall = errors.New("no installed generation is waiting")

// generationsFor names the generation pair of a release.
func generationsFor(prefix, version string) ActiveSet {
	return ActiveSet{
		Version: version,
		Static:  prefix + "-static-" + version,
		Dynamic: prefix + "-dynamic-" + version,
	}
}

// Lifecycle moves generations through install, waiting and activation.
// Requests keep being served from the active pair until a cutover.
type Lifecycle struct {
	prefix      string
	manifest    []string
	skipWaiting bool
	root        *url.URL

	store   *Store
	net     Doer
	log     *slog.Logger
	metrics *metrics

	// called after every cutover; must not block
	onActivate func(ActiveSet)

	installMu sync.Mutex

	mu      sync.RWMutex
	state   State
	active  ActiveSet
	pending *ActiveSet
}

// Active returns the serving generation pair. The zero value means nothing
// has ever been activated.
func (l *Lifecycle) Active() ActiveSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active
}

func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) setState(st State) {
	l.mu.Lock()
	l.state = st
	l.mu.Unlock()
}

// Restore picks up the pair persisted by the last activation.
func (l *Lifecycle) Restore() error {
	a, ok, err := l.store.Active()
	if err != nil {
		return fmt.Errorf("restore active generations: %w", err)
	}
	if !ok {
		return nil
	}
	l.mu.Lock()
	l.active = a
	l.state = StateActive
	l.mu.Unlock()
	return nil
}

// Install populates a fresh static generation for version from the manifest.
// It is all-or-nothing: if any resource fails nothing is written and the
// previously active pair keeps serving. With skipWaiting the new pair is
// activated right away, otherwise it waits for SkipWaiting.
func (l *Lifecycle) Install(ctx context.Context, version string) error {
	l.installMu.Lock()
	defer l.installMu.Unlock()

	next := generationsFor(l.prefix, version)
	l.setState(StateInstalling)

	l.log.Info("installing", "version", version, "generation", next.Static, "resources", len(l.manifest))
	entries, err := l.fetchManifest(ctx)
	if err == nil {
		err = l.store.PutAll(next.Static, KindStatic, entries)
	}
	if err != nil {
		l.metrics.installs.WithLabelValues("failed").Inc()
		l.mu.Lock()
		switch {
		case l.pending != nil:
			l.state = StateWaiting
		case l.active.Static != "":
			l.state = StateActive
		default:
			l.state = StateIdle
		}
		l.mu.Unlock()
		return fmt.Errorf("install %s: %w", version, err)
	}

	l.metrics.installs.WithLabelValues("ok").Inc()
	l.mu.Lock()
	l.pending = &next
	l.state = StateWaiting
	l.mu.Unlock()

	if l.skipWaiting {
		return l.Activate(ctx)
	}
	l.log.Info("installed, waiting for skip-waiting", "version", version)
	return nil
}

func (l *Lifecycle) fetchManifest(ctx context.Context) (map[string]CacheEntry, error) {
	var mu sync.Mutex
	out := make(map[string]CacheEntry, len(l.manifest))

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range l.manifest {
		p := p
		u, err := l.root.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("manifest path %q: %w", p, err)
		}
		g.Go(func() error {
			ent, err := fetch(gctx, l.net, http.MethodGet, u, http.Header{}, nil)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			if !ent.OK() {
				return fmt.Errorf("fetch %s: status %d", p, ent.Status)
			}
			mu.Lock()
			out[Fingerprint(http.MethodGet, u)] = ent
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Activate cuts serving over to the waiting pair and deletes every other
// generation. Enumeration failures are logged and do not undo the cutover.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	if l.pending == nil {
		l.mu.Unlock()
		return ErrNoPendingInstall
	}
	next := *l.pending
	l.pending = nil
	l.state = StateActivating
	l.active = next
	l.mu.Unlock()

	if err := l.store.SetActive(next); err != nil {
		l.log.Error("persist active generations", "error", err)
	}
	evicted := l.evict(func(name string) bool { return !next.Contains(name) })

	l.mu.Lock()
	if l.state == StateActivating {
		l.state = StateActive
	}
	l.mu.Unlock()

	l.log.Info("activated", "version", next.Version, "static", next.Static, "dynamic", next.Dynamic, "evicted", evicted)
	if l.onActivate != nil {
		l.onActivate(next)
	}
	return nil
}

// SkipWaiting activates a waiting install. It is a no-op in any other state.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	if l.State() != StateWaiting {
		return nil
	}
	err := l.Activate(ctx)
	if errors.Is(err, ErrNoPendingInstall) {
		return nil
	}
	return err
}

// CleanLegacy deletes generations carrying this agent's prefix that are
// neither active nor waiting.
func (l *Lifecycle) CleanLegacy() int {
	l.mu.RLock()
	act := l.active
	var waiting ActiveSet
	if l.pending != nil {
		waiting = *l.pending
	}
	l.mu.RUnlock()

	legacy := l.prefix + "-"
	return l.evict(func(name string) bool {
		return strings.HasPrefix(name, legacy) && !act.Contains(name) && !waiting.Contains(name)
	})
}

func (l *Lifecycle) evict(drop func(string) bool) int {
	gens, err := l.store.Generations()
	if err != nil {
		l.log.Error("enumerate generations", "error", err)
		return 0
	}
	n := 0
	for _, g := range gens {
		if !drop(g.Name) {
			continue
		}
		if err := l.store.DeleteGeneration(g.Name); err != nil {
			l.log.Error("delete generation", "generation", g.Name, "error", err)
			continue
		}
		l.metrics.evictions.Inc()
		l.log.Info("generation deleted", "generation", g.Name, "entries", g.Entries)
		n++
	}
	return n
}
