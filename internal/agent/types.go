package agent

import (
	"bytes"
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// CacheEntry is a stored response snapshot. It is also the in-flight
// representation of every response the agent hands back to a caller.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OK reports a 2xx status. Only ok entries are ever written to a generation.
func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Clone returns a deep copy; the copy shares no header or body memory with e.
func (e CacheEntry) Clone() CacheEntry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = bytes.Clone(e.Body)
	}
	return out
}

func newEntry(status int, h http.Header, body []byte) CacheEntry {
	ent := CacheEntry{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// Kind tells what a generation holds.
type Kind string

const (
	KindStatic  Kind = "static-assets"
	KindDynamic Kind = "dynamic-data"
)

// Generation is one release's named cache container.
type Generation struct {
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	CreatedAt int64  `json:"createdAt"`

	// Entries is filled in by Store.Generations and is not persisted.
	Entries int `json:"entries"`
}

// ActiveSet is the generation pair currently serving requests.
type ActiveSet struct {
	Version string `json:"version"`
	Static  string `json:"static"`
	Dynamic string `json:"dynamic"`
}

func (a ActiveSet) Contains(name string) bool {
	return name != "" && (name == a.Static || name == a.Dynamic)
}

// Fingerprint is the cache key of a request: upper-cased method plus the
// origin-qualified URL without fragment.
func Fingerprint(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	if c.Path == "" {
		c.Path = "/"
		c.RawPath = ""
	}
	return strings.ToUpper(method) + " " + c.String()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
