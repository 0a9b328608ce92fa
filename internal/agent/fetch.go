package agent

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// Doer is the network. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

type DoerFunc func(*http.Request) (*http.Response, error)

func (f DoerFunc) Do(r *http.Request) (*http.Response, error) { return f(r) }

// NewHTTPClient builds the upstream client. The timeout bounds every
// foreground fetch; HTTP/2 is negotiated over TLS when the origin offers it.
func NewHTTPClient(timeout time.Duration, log *slog.Logger) *http.Client {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		log.Warn("http2 disabled for upstream transport", "error", err)
	}
	return &http.Client{Timeout: timeout, Transport: t}
}

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

// fetch performs one network round trip and reads the whole body. Any
// transport or read error is a network failure.
func fetch(ctx context.Context, client Doer, method string, target *url.URL, h http.Header, body []byte) (CacheEntry, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), rd)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, h)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	return newEntry(resp.StatusCode, resp.Header, b), nil
}

// storable reports whether a fetched response may be written to a generation.
func storable(method string, ent CacheEntry) bool {
	if method != http.MethodGet || !ent.OK() {
		return false
	}
	return !strings.Contains(strings.ToLower(ent.Header.Get("Cache-Control")), "no-store")
}
