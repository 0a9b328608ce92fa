package push

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

type Options struct {
	// SubjectPrefix is prepended to the per-registration subject.
	SubjectPrefix string
	// EndpointBase turns a subject into the endpoint URL handed to the
	// backend. Empty yields "nats:<subject>".
	EndpointBase string
	// Buffer is the delivery channel capacity.
	Buffer int
}

// NATSService is a push service on NATS: a registration is a private subject
// and every message published to it is one push delivery.
type NATSService struct {
	nc    *nats.Conn
	owned bool
	opts  Options

	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	current *registration
}

type registration struct {
	sub    Subscription
	appKey []byte
	nsub   *nats.Subscription
}

// Connect dials url and returns a service that owns the connection.
func Connect(url string, opts Options) (*NATSService, error) {
	nc, err := nats.Connect(url,
		nats.Name("edgeagent"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	s := NewNATSService(nc, opts)
	s.owned = true
	return s, nil
}

func NewNATSService(nc *nats.Conn, opts Options) *NATSService {
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = "push"
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	return &NATSService{
		nc:       nc,
		opts:     opts,
		messages: make(chan []byte, opts.Buffer),
		done:     make(chan struct{}),
	}
}

// Messages yields raw push payloads. It is never closed.
func (s *NATSService) Messages() <-chan []byte { return s.messages }

// Subscribe registers with the push service. An existing registration made
// with the same application key is returned as is; one made with another key
// is replaced.
func (s *NATSService) Subscribe(ctx context.Context, appKey []byte) (Subscription, error) {
	if len(appKey) == 0 {
		return Subscription{}, errors.New("push: empty application key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		if bytes.Equal(s.current.appKey, appKey) {
			return s.current.sub, nil
		}
		if err := s.dropLocked(); err != nil {
			return Subscription{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return Subscription{}, err
	}

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return Subscription{}, err
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return Subscription{}, err
	}

	subject := s.opts.SubjectPrefix + "." + uuid.NewString()
	nsub, err := s.nc.Subscribe(subject, s.deliver)
	if err != nil {
		return Subscription{}, fmt.Errorf("push: subscribe %s: %w", subject, err)
	}
	if err := s.nc.Flush(); err != nil {
		_ = nsub.Unsubscribe()
		return Subscription{}, fmt.Errorf("push: flush: %w", err)
	}

	s.current = &registration{
		sub: Subscription{
			Endpoint: s.endpoint(subject),
			Keys: Keys{
				P256dh: encodeKey(priv.PublicKey().Bytes()),
				Auth:   encodeKey(auth),
			},
		},
		appKey: bytes.Clone(appKey),
		nsub:   nsub,
	}
	return s.current.sub, nil
}

func (s *NATSService) endpoint(subject string) string {
	if s.opts.EndpointBase == "" {
		return "nats:" + subject
	}
	return strings.TrimRight(s.opts.EndpointBase, "/") + "/" + subject
}

// Current returns the live registration, if any.
func (s *NATSService) Current(ctx context.Context) (Subscription, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Subscription{}, false, nil
	}
	return s.current.sub, true, nil
}

// Unsubscribe cancels the live registration. Without one it does nothing.
func (s *NATSService) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked()
}

func (s *NATSService) dropLocked() error {
	if s.current == nil {
		return nil
	}
	err := s.current.nsub.Unsubscribe()
	s.current = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("push: unsubscribe: %w", err)
	}
	return nil
}

func (s *NATSService) deliver(m *nats.Msg) {
	data := bytes.Clone(m.Data)
	select {
	case s.messages <- data:
	case <-s.done:
	}
}

// Close stops delivery and, for a connection made by Connect, closes it.
func (s *NATSService) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		_ = s.dropLocked()
		s.mu.Unlock()
		if s.owned {
			s.nc.Close()
		}
	})
}
