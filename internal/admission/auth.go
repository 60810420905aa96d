// Package admission implements the Admission Control boundary (C8):
// bearer-token authentication with key-rotation grace window, rate
// limiting, and ingest payload validation (§4.8).
package admission

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SessionClaims is the payload carried by a dashboard bearer token.
type SessionClaims struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// SessionToken is an issued, signed token.
type SessionToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

// AuthConfig configures the token broker.
type AuthConfig struct {
	HMACSecret          string
	PreviousHMACSecret  string
	RotationGracePeriod time.Duration
	TokenTTL            time.Duration
}

// TokenBroker issues and verifies HMAC-signed dashboard session tokens,
// honouring a grace window for the previous signing key during rotation.
type TokenBroker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time
	tokenTTL   time.Duration
}

var ErrInvalidToken = errors.New("admission: invalid or expired token")

// NewTokenBroker builds a broker from AuthConfig, applying spec defaults
// where a field is zero.
func NewTokenBroker(cfg AuthConfig) *TokenBroker {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.RotationGracePeriod == 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}

	var prevSecret []byte
	var graceUntil time.Time
	if cfg.PreviousHMACSecret != "" {
		prevSecret = []byte(cfg.PreviousHMACSecret)
		graceUntil = time.Now().Add(cfg.RotationGracePeriod)
	}

	return &TokenBroker{
		secret:     []byte(cfg.HMACSecret),
		prevSecret: prevSecret,
		graceUntil: graceUntil,
		tokenTTL:   cfg.TokenTTL,
	}
}

// IssueToken signs a new 12-hour dashboard session token for the given
// identity.
func (tb *TokenBroker) IssueToken(id, username, role string) (*SessionToken, error) {
	tb.mu.RLock()
	secret := tb.secret
	ttl := tb.tokenTTL
	tb.mu.RUnlock()

	now := time.Now()
	claims := SessionClaims{
		ID:        id,
		Username:  username,
		Role:      role,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}

	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return nil, fmt.Errorf("admission: marshal claims: %w", err)
	}

	sig := sign(secret, claimsJSON)
	token := base64.RawURLEncoding.EncodeToString(claimsJSON) + "." + base64.RawURLEncoding.EncodeToString(sig)

	return &SessionToken{Token: token, ExpiresAt: claims.ExpiresAt}, nil
}

// VerifyToken validates signature (current key, then previous key within
// the rotation grace window) and expiry.
func (tb *TokenBroker) VerifyToken(tokenStr string) (*SessionClaims, error) {
	parts := splitToken(tokenStr)
	if len(parts) != 2 {
		return nil, ErrInvalidToken
	}

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}

	tb.mu.RLock()
	secret := tb.secret
	prevSecret := tb.prevSecret
	graceUntil := tb.graceUntil
	tb.mu.RUnlock()

	valid := hmac.Equal(sig, sign(secret, claimsJSON))
	if !valid && len(prevSecret) > 0 && time.Now().Before(graceUntil) {
		valid = hmac.Equal(sig, sign(prevSecret, claimsJSON))
	}
	if !valid {
		return nil, ErrInvalidToken
	}

	var claims SessionClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrInvalidToken
	}
	if time.Now().Unix() > claims.ExpiresAt {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// RotateKey atomically rotates the HMAC signing secret; the previous key
// stays valid for 24 hours.
func (tb *TokenBroker) RotateKey(newSecret string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.prevSecret = tb.secret
	tb.graceUntil = time.Now().Add(24 * time.Hour)
	tb.secret = []byte(newSecret)
}

func sign(secret, data []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

func splitToken(token string) []string {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '.' {
			return []string{token[:i], token[i+1:]}
		}
	}
	return []string{token}
}
