// Package push registers the agent with a push service and hands the
// messages it delivers to the agent.
package push

import (
	"crypto/ecdh"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Keys carries the subscription's client keys, base64url without padding.
type Keys struct {
	// P256dh is the client's uncompressed P-256 public key.
	P256dh string `json:"p256dh"`
	// Auth is the 16 byte pre-shared authentication secret.
	Auth string `json:"auth"`
}

// Subscription is the registration handed to the backend, in the same JSON
// shape a browser PushSubscription serializes to.
type Subscription struct {
	Endpoint       string `json:"endpoint"`
	ExpirationTime *int64 `json:"expirationTime"`
	Keys           Keys   `json:"keys"`
}

func (s Subscription) IsZero() bool { return s.Endpoint == "" }

// Validate checks the subscription carries an endpoint and decodable keys.
func (s Subscription) Validate() error {
	if s.Endpoint == "" {
		return errors.New("subscription: missing endpoint")
	}
	if _, err := DecodeKey(s.Keys.P256dh); err != nil {
		return fmt.Errorf("subscription: p256dh: %w", err)
	}
	if _, err := DecodeKey(s.Keys.Auth); err != nil {
		return fmt.Errorf("subscription: auth: %w", err)
	}
	return nil
}

// DecodeKey decodes base64url, tolerating the '=' padding some clients add.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, errors.New("empty key")
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// DecodeApplicationKey decodes the application server public key to raw
// bytes and checks it is an uncompressed P-256 point.
func DecodeApplicationKey(s string) ([]byte, error) {
	raw, err := DecodeKey(s)
	if err != nil {
		return nil, fmt.Errorf("application key: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("application key: %w", err)
	}
	return raw, nil
}

func encodeKey(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
