package agent

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Version names the deployed release. Generation names are derived from it.
	Version string `yaml:"version"`

	Server struct {
		Port         int    `yaml:"port"`
		Origin       string `yaml:"origin"`
		PublicOrigin string `yaml:"publicOrigin"`
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		RAM  struct {
			Entries  int    `yaml:"entries"`
			MaxEntry string `yaml:"maxEntry"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Cache struct {
		Prefix      string   `yaml:"prefix"`
		SkipWaiting *bool    `yaml:"skipWaiting"`
		Manifest    []string `yaml:"manifest"`
	} `yaml:"cache"`

	Classify ClassifyConfig `yaml:"classify"`

	Rules []Rule `yaml:"rules"`

	Network struct {
		Timeout           string `yaml:"timeout"`
		RevalidateTimeout string `yaml:"revalidateTimeout"`
		MaxBackground     int    `yaml:"maxBackground"`

		timeoutDur    time.Duration
		revalidateDur time.Duration
	} `yaml:"network"`

	Push struct {
		ApplicationKey  string `yaml:"applicationKey"`
		Backend         string `yaml:"backend"`
		SubscribePath   string `yaml:"subscribePath"`
		UnsubscribePath string `yaml:"unsubscribePath"`
		EndpointBase    string `yaml:"endpointBase"`
		NATS            struct {
			URL           string `yaml:"url"`
			SubjectPrefix string `yaml:"subjectPrefix"`
		} `yaml:"nats"`
	} `yaml:"push"`

	Notifications struct {
		ProductName string `yaml:"productName"`
		Icon        string `yaml:"icon"`
		Badge       string `yaml:"badge"`
		Retention   string `yaml:"retention"`

		retentionDur time.Duration
	} `yaml:"notifications"`

	Views struct {
		OpenCommand string `yaml:"openCommand"`
	} `yaml:"views"`

	Logging struct {
		Level         string `yaml:"level"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Precache struct {
		Sitemaps     []string `yaml:"sitemaps"`
		InitialDelay string   `yaml:"initialDelay"`
		Limit        int      `yaml:"limit"`

		initialDelayDur time.Duration
	} `yaml:"precache"`

	ramMaxEntry int64
}

type ClassifyConfig struct {
	StaticExtensions []string `yaml:"staticExtensions"`
	StaticPaths      []string `yaml:"staticPaths"`
	APIMarkers       []string `yaml:"apiMarkers"`
	BackendDomains   []string `yaml:"backendDomains"`
}

type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	Strategy          string   `yaml:"strategy"`

	// compiled
	matchers []pathPrefixMatcher
	strategy Strategy
	override bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

var defaultManifest = []string{"/", "/index.html", "/bundle.js", "/styles.css", "/manifest.json", "/logo.png"}

var defaultClassify = ClassifyConfig{
	StaticExtensions: []string{
		".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".webp",
		".woff", ".woff2", ".ttf", ".eot", ".webmanifest",
	},
	StaticPaths: []string{"/static/", "/uploads/"},
	APIMarkers:  []string{"/api/", "/rest/v1/", "/functions/v1/"},
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles durations, sizes and rules.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() error {
	if cfg.Version == "" {
		return fmt.Errorf("version is required")
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if _, err := url.Parse(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.PublicOrigin == "" {
		cfg.Server.PublicOrigin = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	cfg.Server.PublicOrigin = strings.TrimRight(cfg.Server.PublicOrigin, "/")

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Entries == 0 {
		cfg.Storage.RAM.Entries = 1024
	}
	if cfg.Storage.RAM.MaxEntry == "" {
		cfg.Storage.RAM.MaxEntry = "1mb"
	}
	n, err := parseBytes(cfg.Storage.RAM.MaxEntry)
	if err != nil {
		return fmt.Errorf("storage.ram.maxEntry: %w", err)
	}
	cfg.ramMaxEntry = n

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "app"
	}
	if cfg.Cache.SkipWaiting == nil {
		t := true
		cfg.Cache.SkipWaiting = &t
	}
	if len(cfg.Cache.Manifest) == 0 {
		cfg.Cache.Manifest = append([]string(nil), defaultManifest...)
	}
	for i, p := range cfg.Cache.Manifest {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.manifest[%d]: path %q must start with /", i, p)
		}
	}

	if len(cfg.Classify.StaticExtensions) == 0 {
		cfg.Classify.StaticExtensions = defaultClassify.StaticExtensions
	}
	if len(cfg.Classify.StaticPaths) == 0 {
		cfg.Classify.StaticPaths = defaultClassify.StaticPaths
	}
	if len(cfg.Classify.APIMarkers) == 0 {
		cfg.Classify.APIMarkers = defaultClassify.APIMarkers
	}

	if cfg.Network.timeoutDur, err = durationOr(cfg.Network.Timeout, 30*time.Second); err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	if cfg.Network.revalidateDur, err = durationOr(cfg.Network.RevalidateTimeout, 30*time.Second); err != nil {
		return fmt.Errorf("network.revalidateTimeout: %w", err)
	}
	if cfg.Network.MaxBackground <= 0 {
		cfg.Network.MaxBackground = 32
	}

	if cfg.Push.SubscribePath == "" {
		cfg.Push.SubscribePath = "/api/push/subscribe"
	}
	if cfg.Push.UnsubscribePath == "" {
		cfg.Push.UnsubscribePath = "/api/push/unsubscribe"
	}
	if cfg.Push.Backend == "" {
		cfg.Push.Backend = cfg.Server.Origin
	}
	cfg.Push.Backend = strings.TrimRight(cfg.Push.Backend, "/")
	if cfg.Push.NATS.SubjectPrefix == "" {
		cfg.Push.NATS.SubjectPrefix = "push"
	}

	if cfg.Notifications.ProductName == "" {
		cfg.Notifications.ProductName = "App"
	}
	if cfg.Notifications.Icon == "" {
		cfg.Notifications.Icon = "/logo.png"
	}
	if cfg.Notifications.Badge == "" {
		cfg.Notifications.Badge = cfg.Notifications.Icon
	}
	if cfg.Notifications.retentionDur, err = durationOr(cfg.Notifications.Retention, 24*time.Hour); err != nil {
		return fmt.Errorf("notifications.retention: %w", err)
	}

	if cfg.Logging.logStatsEveryDur, err = durationOr(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if cfg.Precache.initialDelayDur, err = durationOr(cfg.Precache.InitialDelay, 10*time.Second); err != nil {
		return fmt.Errorf("precache.initialDelay: %w", err)
	}
	if cfg.Precache.Limit <= 0 {
		cfg.Precache.Limit = 50
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Strategy != "" {
			st, err := ParseStrategy(r.Strategy)
			if err != nil {
				return fmt.Errorf("rules[%d].strategy: %w", i, err)
			}
			r.strategy = st
			r.override = true
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

// StaticGeneration is the static-asset generation name for the configured version.
func (cfg Config) StaticGeneration() string { return generationsFor(cfg.Cache.Prefix, cfg.Version).Static }

// DynamicGeneration is the dynamic-data generation name for the configured version.
func (cfg Config) DynamicGeneration() string { return generationsFor(cfg.Cache.Prefix, cfg.Version).Dynamic }

// LogLevel returns the parsed logging.level.
func (cfg Config) LogLevel() slog.Level {
	l, _ := parseLevel(cfg.Logging.Level)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")")
		inside = strings.TrimSpace(inside)
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// StoreOptions returns the cache store settings.
func (cfg Config) StoreOptions() StoreOptions {
	return StoreOptions{RAMEntries: cfg.Storage.RAM.Entries, RAMMaxEntry: cfg.ramMaxEntry}
}
