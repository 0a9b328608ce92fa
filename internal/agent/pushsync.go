package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"edgeagent/internal/push"
)

//go:generate mockgen -destination=mocks/mock_push.go -package=mocks edgeagent/internal/agent PushService

// PushService is the agent's registration with an external push service.
type PushService interface {
	Subscribe(ctx context.Context, appKey []byte) (push.Subscription, error)
	Current(ctx context.Context) (push.Subscription, bool, error)
	Unsubscribe(ctx context.Context) error
	Messages() <-chan []byte
}

var ErrPushDisabled = errors.New("push service is not configured")

// pushSync keeps the local registration and the backend record consistent.
type pushSync struct {
	svc             PushService
	appKey          string
	backend         string
	subscribePath   string
	unsubscribePath string

	net Doer
	log *slog.Logger
}

type subscribeBody struct {
	Subscription push.Subscription `json:"subscription"`
	UserID       string            `json:"userId"`
}

type unsubscribeBody struct {
	Endpoint string `json:"endpoint"`
}

func (p *pushSync) subscribe(ctx context.Context, userID string) error {
	if p.svc == nil {
		return ErrPushDisabled
	}
	key, err := push.DecodeApplicationKey(p.appKey)
	if err != nil {
		return err
	}
	sub, err := p.svc.Subscribe(ctx, key)
	if err != nil {
		return fmt.Errorf("register with push service: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	p.log.Info("push registration created", "endpoint", sub.Endpoint, "user", userID)
	if err := p.post(ctx, p.subscribePath, subscribeBody{Subscription: sub, UserID: userID}); err != nil {
		return fmt.Errorf("send subscription to backend: %w", err)
	}
	return nil
}

func (p *pushSync) unsubscribe(ctx context.Context) error {
	if p.svc == nil {
		return ErrPushDisabled
	}
	sub, ok, err := p.svc.Current(ctx)
	if err != nil {
		return fmt.Errorf("look up push registration: %w", err)
	}
	if !ok {
		p.log.Debug("no push registration to cancel")
		return nil
	}
	if err := p.svc.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("cancel push registration: %w", err)
	}
	p.log.Info("push registration cancelled", "endpoint", sub.Endpoint)
	if p.unsubscribePath == "" {
		return nil
	}
	if err := p.post(ctx, p.unsubscribePath, unsubscribeBody{Endpoint: sub.Endpoint}); err != nil {
		return fmt.Errorf("send unsubscribe to backend: %w", err)
	}
	return nil
}

func (p *pushSync) post(ctx context.Context, path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.backend+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.net.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
