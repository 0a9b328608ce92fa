package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpenFunc opens a new application view at url.
type OpenFunc func(ctx context.Context, url string) error

// CommandOpener opens views by running name with the URL as its argument.
func CommandOpener(name string) OpenFunc {
	return func(ctx context.Context, url string) error {
		cmd := exec.CommandContext(ctx, name, url)
		if err := cmd.Start(); err != nil {
			return err
		}
		go func() { _ = cmd.Wait() }()
		return nil
	}
}

// View is one open application window attached to the agent.
type View struct {
	ID        string
	URL       string
	CreatedAt time.Time

	events chan Message
}

// Events yields the messages posted to this view.
func (v *View) Events() <-chan Message { return v.events }

// ViewHub tracks open views and delivers agent-to-foreground messages.
// Delivery never blocks: a view that does not keep up loses messages.
type ViewHub struct {
	origin string
	open   OpenFunc
	log    *slog.Logger
	drops  *rateLimitedLogger

	mu    sync.Mutex
	views map[string]*View
}

func NewViewHub(origin string, open OpenFunc, log *slog.Logger) *ViewHub {
	return &ViewHub{
		origin: strings.TrimRight(origin, "/"),
		open:   open,
		log:    log,
		drops:  newRateLimitedLogger(log, time.Minute),
		views:  map[string]*View{},
	}
}

func (h *ViewHub) Register(url string) *View {
	v := &View{
		ID:        uuid.NewString(),
		URL:       url,
		CreatedAt: time.Now(),
		events:    make(chan Message, 16),
	}
	h.mu.Lock()
	h.views[v.ID] = v
	h.mu.Unlock()
	h.log.Debug("view attached", "view", v.ID, "url", url)
	return v
}

func (h *ViewHub) Unregister(v *View) {
	h.mu.Lock()
	delete(h.views, v.ID)
	h.mu.Unlock()
	h.log.Debug("view detached", "view", v.ID)
}

// List returns open views, oldest first.
func (h *ViewHub) List() []*View {
	h.mu.Lock()
	out := make([]*View, 0, len(h.views))
	for _, v := range h.views {
		out = append(out, v)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// AtOrigin returns open views whose URL lives at the agent's origin.
func (h *ViewHub) AtOrigin() []*View {
	var out []*View
	for _, v := range h.List() {
		if v.URL == h.origin || strings.HasPrefix(v.URL, h.origin+"/") {
			out = append(out, v)
		}
	}
	return out
}

func (h *ViewHub) Post(v *View, msg Message) {
	select {
	case v.events <- msg:
	default:
		h.drops.Warn("view is not keeping up, message dropped", "view", v.ID, "type", msg.Type)
	}
}

func (h *ViewHub) Focus(v *View) {
	h.Post(v, Message{Type: MsgFocus})
}

func (h *ViewHub) Broadcast(msg Message) int {
	views := h.List()
	for _, v := range views {
		h.Post(v, msg)
	}
	return len(views)
}

// Open asks the host to open a new view at url.
func (h *ViewHub) Open(ctx context.Context, url string) error {
	if h.open == nil {
		h.log.Warn("no view opener configured", "url", url)
		return nil
	}
	return h.open(ctx, url)
}

// ServeStream attaches the caller as a view and streams its messages as
// server-sent events until the client goes away.
func (h *ViewHub) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	url := r.URL.Query().Get("url")
	if url == "" {
		url = h.origin + "/"
	}
	v := h.Register(url)
	defer h.Unregister(v)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "event: attached\ndata: {\"view\":%q}\n\n", v.ID)
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg := <-v.events:
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
	}
}
