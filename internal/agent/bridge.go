package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Foreground-to-agent message kinds.
const (
	MsgCleanCache      = "CLEAN_CACHE"
	MsgSkipWaiting     = "SKIP_WAITING"
	MsgGetVersion      = "GET_VERSION"
	MsgSubscribePush   = "SUBSCRIBE_PUSH"
	MsgUnsubscribePush = "UNSUBSCRIBE_PUSH"
)

// Agent-to-foreground message kinds.
const (
	MsgVersion              = "VERSION"
	MsgNotificationClicked  = "NOTIFICATION_CLICKED"
	MsgMarkNotificationRead = "MARK_NOTIFICATION_READ"
	MsgNotificationShown    = "NOTIFICATION_SHOWN"
	MsgFocus                = "FOCUS"
)

// Message is the bridge envelope, in both directions.
type Message struct {
	Type           string `json:"type"`
	UserID         string `json:"userId,omitempty"`
	NotificationID string `json:"notificationId,omitempty"`
	URL            string `json:"url,omitempty"`
	Version        string `json:"version,omitempty"`
	Generation     string `json:"generation,omitempty"`
	Notification   *Alert `json:"notification,omitempty"`
}

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrBridgeBusy     = errors.New("bridge mailbox is full")
	ErrBridgeClosed   = errors.New("bridge is closed")
)

func knownInbound(t string) bool {
	switch t {
	case MsgCleanCache, MsgSkipWaiting, MsgGetVersion, MsgSubscribePush, MsgUnsubscribePush:
		return true
	}
	return false
}

// bridgeHandler runs one message. The reply is only used for GET_VERSION.
type bridgeHandler func(ctx context.Context, msg Message) (Message, error)

type envelope struct {
	msg   Message
	reply chan Message
}

// Bridge is a mailbox drained by one goroutine. Messages are handled in
// arrival order, off the request-serving path.
type Bridge struct {
	inbox   chan envelope
	handle  bridgeHandler
	log     *slog.Logger
	metrics *metrics

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func newBridge(parent context.Context, size int, handle bridgeHandler, log *slog.Logger, m *metrics) *Bridge {
	ctx, cancel := context.WithCancel(parent)
	b := &Bridge{
		inbox:   make(chan envelope, size),
		handle:  handle,
		log:     log,
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// Post enqueues a fire-and-forget message. It never blocks.
func (b *Bridge) Post(msg Message) error {
	if !knownInbound(msg.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if b.ctx.Err() != nil {
		return ErrBridgeClosed
	}
	select {
	case b.inbox <- envelope{msg: msg}:
		return nil
	default:
		return ErrBridgeBusy
	}
}

// Request enqueues msg and waits for its reply.
func (b *Bridge) Request(ctx context.Context, msg Message) (Message, error) {
	if !knownInbound(msg.Type) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	env := envelope{msg: msg, reply: make(chan Message, 1)}
	select {
	case b.inbox <- env:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-b.ctx.Done():
		return Message{}, ErrBridgeClosed
	}
	select {
	case r := <-env.reply:
		return r, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-b.ctx.Done():
		return Message{}, ErrBridgeClosed
	}
}

func (b *Bridge) loop() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-b.inbox:
			b.dispatch(env)
		}
	}
}

func (b *Bridge) dispatch(env envelope) {
	if b.metrics != nil {
		b.metrics.bridgeMessages.WithLabelValues(env.msg.Type).Inc()
	}
	reply, err := b.handle(b.ctx, env.msg)
	if err != nil {
		b.log.Error("bridge message failed", "type", env.msg.Type, "error", err)
	}
	if env.reply != nil {
		env.reply <- reply
	}
}

// Close stops the mailbox. Queued messages are dropped.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.done
	})
}
