package agent

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (s *Service) precacheAfter(delay time.Duration, gens ActiveSet) {
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
	}
	ctx, cancel := context.WithTimeout(s.ctx, 2*time.Minute)
	defer cancel()

	stored, skipped, err := s.precache(ctx, gens)
	if err != nil {
		s.log.Warn("precache stopped", "error", err, "stored", stored, "skipped", skipped)
		return
	}
	s.log.Info("precache done", "generation", gens.Dynamic, "stored", stored, "skipped", skipped)
}

// precache walks the configured sitemaps and fetches up to the configured
// limit of navigation pages into the dynamic generation of gens. Pages
// already cached, or routed around the cache by a rule, are skipped.
func (s *Service) precache(ctx context.Context, gens ActiveSet) (stored, skipped int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Precache.Sitemaps))
	for _, sm := range s.cfg.Precache.Sitemaps {
		if u := s.originURL(sm); u != "" {
			queue = append(queue, u)
		}
	}

	for len(queue) > 0 && stored < s.cfg.Precache.Limit {
		if err := ctx.Err(); err != nil {
			return stored, skipped, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return stored, skipped, fmt.Errorf("sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if u := s.originURL(nested); u != "" {
				queue = append(queue, u)
			}
		}

		for _, loc := range doc.URLs {
			if stored >= s.cfg.Precache.Limit {
				break
			}
			ok, err := s.precachePage(ctx, gens.Dynamic, loc)
			if err != nil {
				s.log.Debug("precache page failed", "url", loc, "error", err)
			}
			if ok {
				stored++
			} else {
				skipped++
			}
		}
	}
	return stored, skipped, nil
}

func (s *Service) precachePage(ctx context.Context, gen, loc string) (bool, error) {
	u, err := url.Parse(s.originURL(loc))
	if err != nil || u.Host == "" {
		return false, err
	}
	if rule := s.engine.pickRule(u.Path); rule != nil && (rule.Bypass || len(rule.BypassWhenCookies) > 0) {
		return false, nil
	}
	fp := Fingerprint(http.MethodGet, u)
	if _, ok, err := s.store.Get(gen, fp); err == nil && ok {
		return false, nil
	}

	h := http.Header{}
	h.Set("Accept", "text/html")
	ent, err := fetch(ctx, s.net, http.MethodGet, u, h, nil)
	if err != nil {
		return false, err
	}
	if !storable(http.MethodGet, ent) {
		return false, nil
	}
	if err := s.store.PutServing(gen, KindDynamic, fp, ent); err != nil {
		return false, err
	}
	return true, nil
}

// originURL resolves a sitemap location against the origin.
func (s *Service) originURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.net.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may arrive already decoded when the server also set
	// Content-Encoding, so sniff the magic bytes too.
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
