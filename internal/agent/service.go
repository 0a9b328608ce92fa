package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Deps are the collaborators a Service is built on. Zero fields get
// production defaults.
type Deps struct {
	Network  Doer
	Push     PushService
	Store    *Store
	Open     OpenFunc
	Logger   *slog.Logger
	Registry *prometheus.Registry
}

// Service is one edge agent instance.
type Service struct {
	cfg  Config
	root *url.URL
	log  *slog.Logger

	reg     *prometheus.Registry
	metrics *metrics
	stats   *statsCollector

	store     *Store
	ownsStore bool
	net       Doer

	engine    *Engine
	lifecycle *Lifecycle
	views     *ViewHub
	channel   *Channel
	bridge    *Bridge
	push      *pushSync
	// push sync waits on the backend, so it has its own mailbox
	pushBox *Bridge

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	root, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	net := deps.Network
	if net == nil {
		net = NewHTTPClient(cfg.Network.timeoutDur, log)
	}

	store, owns := deps.Store, false
	if store == nil {
		store, err = OpenStore(cfg.Storage.Path, cfg.StoreOptions())
		if err != nil {
			return nil, err
		}
		owns = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		root:      root,
		log:       log,
		reg:       reg,
		metrics:   newMetrics(reg),
		stats:     newStatsCollector(),
		store:     store,
		ownsStore: owns,
		net:       net,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.lifecycle = &Lifecycle{
		prefix:      cfg.Cache.Prefix,
		manifest:    cfg.Cache.Manifest,
		skipWaiting: *cfg.Cache.SkipWaiting,
		root:        root,
		store:       store,
		net:         net,
		log:         log.With("component", "lifecycle"),
		metrics:     s.metrics,
		onActivate:  s.activated,
	}
	s.engine = &Engine{
		root:           root,
		classifier:     NewClassifier(cfg.Classify),
		rules:          cfg.Rules,
		store:          store,
		net:            net,
		gens:           s.lifecycle,
		log:            log.With("component", "strategy"),
		opsLog:         newRateLimitedLogger(log, time.Minute),
		metrics:        s.metrics,
		stats:          s.stats,
		refreshTimeout: cfg.Network.revalidateDur,
		bgSem:          make(chan struct{}, cfg.Network.MaxBackground),
		ctx:            ctx,
		wg:             &s.wg,
	}
	s.views = NewViewHub(cfg.Server.PublicOrigin, deps.Open, log.With("component", "views"))
	s.channel = newChannel(cfg, s.views, log.With("component", "notifications"), s.metrics)
	s.push = &pushSync{
		svc:             deps.Push,
		appKey:          cfg.Push.ApplicationKey,
		backend:         cfg.Push.Backend,
		subscribePath:   cfg.Push.SubscribePath,
		unsubscribePath: cfg.Push.UnsubscribePath,
		net:             net,
		log:             log.With("component", "push"),
	}
	s.bridge = newBridge(ctx, 64, s.handleMessage, log.With("component", "bridge"), s.metrics)
	s.pushBox = newBridge(ctx, 16, s.handlePush, log.With("component", "push"), nil)

	promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "edgeagent_generations",
		Help: "Generations currently present in the cache store",
	}, func() float64 {
		gens, err := store.Generations()
		if err != nil {
			return 0
		}
		return float64(len(gens))
	})

	return s, nil
}

// Start restores the last activated generations, installs the configured
// version when it differs, and starts the background loops. A failed install
// is logged and leaves the previous generations serving.
func (s *Service) Start(ctx context.Context) error {
	if err := s.lifecycle.Restore(); err != nil {
		return err
	}
	if act := s.lifecycle.Active(); act.Version != "" {
		s.log.Info("restored active generations", "version", act.Version, "static", act.Static, "dynamic", act.Dynamic)
	}
	if s.lifecycle.Active().Version != s.cfg.Version {
		if err := s.lifecycle.Install(ctx, s.cfg.Version); err != nil {
			s.log.Error("install failed, keeping previous generations", "version", s.cfg.Version, "error", err)
		}
	}

	if s.push.svc != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.pushLoop(s.push.svc.Messages())
		}()
	}
	if every := s.cfg.Logging.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	return nil
}

// Redeploy installs version and, unless skip-waiting is off, activates it.
func (s *Service) Redeploy(ctx context.Context, version string) error {
	return s.lifecycle.Install(ctx, version)
}

// Bridge is the foreground control channel.
func (s *Service) Bridge() *Bridge { return s.bridge }

// Notifications is the push notification channel.
func (s *Service) Notifications() *Channel { return s.channel }

// Views tracks the open application views.
func (s *Service) Views() *ViewHub { return s.views }

// Lifecycle exposes the generation state machine.
func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }

// Close stops background work and waits for in-flight refreshes.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.bridge.Close()
		s.pushBox.Close()
		s.wg.Wait()
		if s.ownsStore {
			if err := s.store.Close(); err != nil {
				s.log.Error("close store", "error", err)
			}
		}
	})
}

func (s *Service) handleMessage(ctx context.Context, msg Message) (Message, error) {
	switch msg.Type {
	case MsgCleanCache:
		n := s.lifecycle.CleanLegacy()
		s.log.Info("legacy generations cleaned", "deleted", n)
		return Message{}, nil
	case MsgSkipWaiting:
		return Message{}, s.lifecycle.SkipWaiting(ctx)
	case MsgGetVersion:
		act := s.lifecycle.Active()
		return Message{Type: MsgVersion, Version: act.Version, Generation: act.Static}, nil
	case MsgSubscribePush, MsgUnsubscribePush:
		return Message{}, s.pushBox.Post(msg)
	}
	return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

func (s *Service) handlePush(ctx context.Context, msg Message) (Message, error) {
	switch msg.Type {
	case MsgSubscribePush:
		return Message{}, s.push.subscribe(ctx, msg.UserID)
	case MsgUnsubscribePush:
		return Message{}, s.push.unsubscribe(ctx)
	}
	return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}

// activated runs synchronously inside Activate.
func (s *Service) activated(next ActiveSet) {
	if len(s.cfg.Precache.Sitemaps) == 0 || s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.precacheAfter(s.cfg.Precache.initialDelayDur, next)
	}()
}

func (s *Service) pushLoop(msgs <-chan []byte) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case payload, ok := <-msgs:
			if !ok {
				s.log.Warn("push deliveries stopped")
				return
			}
			s.channel.Receive(s.ctx, payload)
		}
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	gens, err := s.store.Generations()
	if err != nil {
		s.log.Warn("stats: enumerate generations", "error", err)
	}
	entries := 0
	for _, g := range gens {
		entries += g.Entries
	}
	ss := s.stats.Snapshot()
	args := []any{
		"generations", len(gens),
		"entries", entries,
		"responses", ss.TotalResponses,
		"cacheServed", ss.CacheServed,
		"offline", ss.Offline,
		"respMin", formatBytes(ss.MinRespBytes),
		"respAvg", formatBytes(ss.AvgRespBytes),
		"respMax", formatBytes(ss.MaxRespBytes),
	}
	if rss, ok := processRSSBytes(); ok {
		args = append(args, "rss", formatBytes(rss))
	}
	s.log.Info("stats", args...)
}
