package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

type NotificationKind string

const (
	KindInfo    NotificationKind = "info"
	KindWarning NotificationKind = "warning"
	KindError   NotificationKind = "error"
	KindSuccess NotificationKind = "success"
)

// Notification is a parsed push payload.
type Notification struct {
	Title            string           `json:"title"`
	Body             string           `json:"body"`
	Kind             NotificationKind `json:"type"`
	ID               string           `json:"id"`
	URL              string           `json:"url"`
	VibrationPattern []int            `json:"-"`
}

// ParseNotification decodes a push payload. A payload that is not a JSON
// object degrades to a notification titled productName whose body is the raw
// payload text; degraded reports that.
func ParseNotification(payload []byte, productName string) (n Notification, degraded bool) {
	var wire struct {
		Notification
		ID json.RawMessage `json:"id"`
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &wire) != nil {
		n = Notification{Body: string(payload)}
		degraded = true
	} else {
		n = wire.Notification
		n.ID = rawID(wire.ID)
	}
	if n.Title == "" {
		n.Title = productName
	}
	switch n.Kind {
	case KindInfo, KindWarning, KindError, KindSuccess:
	default:
		n.Kind = KindInfo
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.URL == "" {
		n.URL = "/"
	}
	n.VibrationPattern = vibrationFor(n.Kind)
	return n, degraded
}

// rawID accepts ids sent either as JSON strings or numbers.
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	t := strings.TrimSpace(string(raw))
	if t == "null" {
		return ""
	}
	return t
}

func vibrationFor(k NotificationKind) []int {
	switch k {
	case KindError:
		return []int{300, 100, 300, 100, 300}
	case KindWarning:
		return []int{200, 100, 200}
	default:
		return []int{100, 50, 100}
	}
}

type AlertState string

const (
	AlertRendered  AlertState = "rendered"
	AlertClicked   AlertState = "clicked"
	AlertDismissed AlertState = "dismissed"
)

const (
	ActionOpen     = "open"
	ActionMarkRead = "mark-read"
	ActionClose    = "close"
)

type AlertAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type AlertData struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Alert is a rendered, user-visible notification.
type Alert struct {
	Tag                string           `json:"tag"`
	Title              string           `json:"title"`
	Body               string           `json:"body"`
	Kind               NotificationKind `json:"type"`
	Icon               string           `json:"icon"`
	Badge              string           `json:"badge"`
	Vibrate            []int            `json:"vibrate"`
	RequireInteraction bool             `json:"requireInteraction"`
	Actions            []AlertAction    `json:"actions"`
	Data               AlertData        `json:"data"`
	State              AlertState       `json:"state"`
	ShownAt            time.Time        `json:"shownAt"`
}

var alertActions = []AlertAction{
	{Action: ActionOpen, Title: "Open"},
	{Action: ActionMarkRead, Title: "Mark as read"},
	{Action: ActionClose, Title: "Close"},
}

var ErrUnknownNotification = errors.New("unknown notification")

// Channel renders push deliveries into the alert tray and routes user
// interaction back to open views.
type Channel struct {
	productName string
	icon, badge string

	tray    *gocache.Cache
	views   *ViewHub
	log     *slog.Logger
	metrics *metrics
}

func newChannel(cfg Config, views *ViewHub, log *slog.Logger, m *metrics) *Channel {
	ret := cfg.Notifications.retentionDur
	return &Channel{
		productName: cfg.Notifications.ProductName,
		icon:        cfg.Notifications.Icon,
		badge:       cfg.Notifications.Badge,
		tray:        gocache.New(ret, ret/4+time.Minute),
		views:       views,
		log:         log,
		metrics:     m,
	}
}

// Render builds the alert for n. Error and warning alerts stay until the
// user acts on them.
func (c *Channel) Render(n Notification) Alert {
	return Alert{
		Tag:                n.ID,
		Title:              n.Title,
		Body:               n.Body,
		Kind:               n.Kind,
		Icon:               c.icon,
		Badge:              c.badge,
		Vibrate:            n.VibrationPattern,
		RequireInteraction: n.Kind == KindError || n.Kind == KindWarning,
		Actions:            append([]AlertAction(nil), alertActions...),
		Data:               AlertData{ID: n.ID, URL: n.URL},
		State:              AlertRendered,
		ShownAt:            time.Now(),
	}
}

// Receive handles one push delivery. Redelivery of an id replaces the alert
// already in the tray.
func (c *Channel) Receive(ctx context.Context, payload []byte) Alert {
	n, degraded := ParseNotification(payload, c.productName)
	if degraded {
		c.log.Warn("push payload is not JSON, showing raw text", "bytes", len(payload))
	}
	a := c.Render(n)
	c.tray.Set(a.Tag, a, gocache.DefaultExpiration)
	c.metrics.notifications.WithLabelValues(string(a.Kind)).Inc()
	c.views.Broadcast(Message{Type: MsgNotificationShown, NotificationID: a.Data.ID, URL: a.Data.URL, Notification: &a})
	c.log.Info("notification shown", "tag", a.Tag, "type", a.Kind)
	return a
}

// Click handles the user acting on an alert. The alert leaves the tray
// whatever the action.
func (c *Channel) Click(ctx context.Context, tag, action string) error {
	a, ok := c.take(tag)
	if !ok {
		return ErrUnknownNotification
	}
	c.log.Debug("notification closed", "tag", tag, "state", AlertClicked, "action", action)

	switch action {
	case ActionClose:
		return nil
	case ActionMarkRead:
		c.views.Broadcast(Message{Type: MsgMarkNotificationRead, NotificationID: a.Data.ID})
		return nil
	case ActionOpen, "":
	default:
		c.log.Warn("unknown notification action, opening", "action", action)
	}

	if views := c.views.AtOrigin(); len(views) > 0 {
		v := views[0]
		c.views.Focus(v)
		c.views.Post(v, Message{Type: MsgNotificationClicked, NotificationID: a.Data.ID, URL: a.Data.URL})
		return nil
	}
	return c.views.Open(ctx, c.absolute(a.Data.URL))
}

// Dismiss removes an alert the user closed without acting.
func (c *Channel) Dismiss(tag string) error {
	if _, ok := c.take(tag); !ok {
		return ErrUnknownNotification
	}
	c.log.Debug("notification closed", "tag", tag, "state", AlertDismissed)
	return nil
}

// Alerts lists the tray, oldest first.
func (c *Channel) Alerts() []Alert {
	items := c.tray.Items()
	out := make([]Alert, 0, len(items))
	for _, it := range items {
		if a, ok := it.Object.(Alert); ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

func (c *Channel) take(tag string) (Alert, bool) {
	v, ok := c.tray.Get(tag)
	if !ok {
		return Alert{}, false
	}
	c.tray.Delete(tag)
	a, ok := v.(Alert)
	return a, ok
}

func (c *Channel) absolute(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return c.views.origin + u
}
