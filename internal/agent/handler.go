package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	outcomeHeader  = "X-Edge-Agent"
	maxRequestBody = 32 << 20
	maxControlBody = 64 << 10
)

// Handler serves the control surface under /__agent/ and intercepts
// everything else.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/__agent", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
		r.Post("/messages", s.postMessage)
		r.Get("/views/stream", s.views.ServeStream)
		r.Post("/push", s.postPush)
		r.Get("/notifications", s.getNotifications)
		r.Post("/notifications/{tag}/click", s.clickNotification)
		r.Post("/notifications/{tag}/dismiss", s.dismissNotification)
		r.Get("/generations", s.getGenerations)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	r.Handle("/*", http.HandlerFunc(s.intercept))
	return r
}

func (s *Service) intercept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		setAgentHeaders(w.Header(), OutcomeBadGateway)
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	target := r.URL
	if !target.IsAbs() {
		target = s.root.ResolveReference(&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery})
	}
	ent, out := s.engine.Serve(r.Context(), Request{
		Method: r.Method,
		URL:    target,
		Header: r.Header,
		Body:   body,
	})
	writeEntry(w, ent, out)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, out Outcome) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	setAgentHeaders(w.Header(), out)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setAgentHeaders(h http.Header, out Outcome) {
	if out != "" {
		h.Set(outcomeHeader, string(out))
	}
	// custom headers are invisible to scripts in a CORS context unless exposed
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) postMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&msg); err != nil {
		http.Error(w, "invalid message: "+err.Error(), http.StatusBadRequest)
		return
	}

	if msg.Type == MsgGetVersion {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		reply, err := s.bridge.Request(ctx, msg)
		if err != nil {
			writeBridgeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reply)
		return
	}

	if err := s.bridge.Post(msg); err != nil {
		writeBridgeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeBridgeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrBridgeBusy), errors.Is(err, ErrBridgeClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Service) postPush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	a := s.channel.Receive(r.Context(), payload)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Service) getNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.channel.Alerts())
}

func (s *Service) clickNotification(w http.ResponseWriter, r *http.Request) {
	err := s.channel.Click(r.Context(), chi.URLParam(r, "tag"), r.URL.Query().Get("action"))
	switch {
	case errors.Is(err, ErrUnknownNotification):
		http.Error(w, err.Error(), http.StatusNotFound)
	case err != nil:
		s.log.Error("open view", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Service) dismissNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.Dismiss(chi.URLParam(r, "tag")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type generationsView struct {
	State       string       `json:"state"`
	Active      ActiveSet    `json:"active"`
	Generations []Generation `json:"generations"`
}

func (s *Service) getGenerations(w http.ResponseWriter, r *http.Request) {
	gens, err := s.store.Generations()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, generationsView{
		State:       s.lifecycle.State().String(),
		Active:      s.lifecycle.Active(),
		Generations: gens,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Transport intercepts in-process requests. Requests with a non-network
// scheme go to base untouched.
func (s *Service) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &interceptTransport{s: s, base: base}
}

type interceptTransport struct {
	s    *Service
	base http.RoundTripper
}

func (t *interceptTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !isNetworkScheme(req.URL.Scheme) {
		return t.base.RoundTrip(req)
	}
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	ent, out := t.s.engine.Serve(req.Context(), Request{
		Method: req.Method,
		URL:    req.URL,
		Header: req.Header,
		Body:   body,
	})
	h := cloneHeader(ent.Header)
	setAgentHeaders(h, out)
	h.Set("Content-Length", strconv.Itoa(len(ent.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", ent.Status, http.StatusText(ent.Status)),
		StatusCode:    ent.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(ent.Body)),
		ContentLength: int64(len(ent.Body)),
		Request:       req,
	}, nil
}
