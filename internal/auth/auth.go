// Package auth verifies the bearer tokens the marketplace sends with every
// partner API call and extracts the calling installation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Modes accepted in Config.Mode.
const (
	ModeOIDC   = "oidc"
	ModeStatic = "static"
)

// DefaultDiscoveryTimeout bounds one provider discovery round trip.
const DefaultDiscoveryTimeout = 10 * time.Second

var (
	// ErrUnauthorized covers every token rejection: missing, malformed,
	// badly signed, expired, or without an installation.
	ErrUnauthorized = errors.New("unauthorized")
)

// Claims is what the service needs from a verified token.
type Claims struct {
	InstallationID string
	AccountID      string
	UserID         string
	Subject        string
	Issuer         string
	ExpiresAt      time.Time
}

// Verifier turns a raw bearer token into Claims.
type Verifier interface {
	Verify(ctx context.Context, rawToken string) (Claims, error)
}

// Config selects and configures the verifier.
type Config struct {
	Mode     string `yaml:"mode"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
	// StaticTokens maps token -> installation id (static mode only).
	StaticTokens map[string]string `yaml:"static_tokens"`
}

// New builds the verifier described by cfg.
func New(cfg Config) (Verifier, error) {
	switch cfg.Mode {
	case ModeOIDC, "":
		if cfg.Issuer == "" || cfg.Audience == "" {
			return nil, errors.New("auth: oidc mode needs issuer and audience")
		}
		return NewOIDCVerifier(cfg.Issuer, cfg.Audience), nil
	case ModeStatic:
		if len(cfg.StaticTokens) == 0 {
			return nil, errors.New("auth: static mode needs at least one token")
		}
		return NewStaticVerifier(cfg.StaticTokens), nil
	default:
		return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
	}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// ============================================================================
// OIDC
// ============================================================================

// marketplaceClaims are the custom claims carried by marketplace tokens.
type marketplaceClaims struct {
	InstallationID string `json:"installation_id"`
	AccountID      string `json:"account_id"`
	UserID         string `json:"user_id"`
}

// discovery is one memoized provider lookup. A failed lookup is replaced so
// the next request tries again.
type discovery struct {
	get func() (*oidc.IDTokenVerifier, error)
}

// OIDCVerifier checks signature, issuer, audience and expiry against the
// issuer's published keys. Discovery happens on first use and is shared by
// concurrent callers.
type OIDCVerifier struct {
	issuer   string
	audience string
	now      func() time.Time

	mu      sync.Mutex
	current *discovery
}

// OIDCOption configures an OIDCVerifier.
type OIDCOption func(*OIDCVerifier)

// WithKeySet skips discovery and verifies against ks.
func WithKeySet(ks oidc.KeySet) OIDCOption {
	return func(v *OIDCVerifier) {
		iv := oidc.NewVerifier(v.issuer, ks, v.config())
		v.current = &discovery{get: func() (*oidc.IDTokenVerifier, error) { return iv, nil }}
	}
}

// WithNow overrides the clock used for expiry checks.
func WithNow(now func() time.Time) OIDCOption {
	return func(v *OIDCVerifier) { v.now = now }
}

// NewOIDCVerifier creates a verifier for tokens issued by issuer to audience.
func NewOIDCVerifier(issuer, audience string, opts ...OIDCOption) *OIDCVerifier {
	v := &OIDCVerifier{issuer: issuer, audience: audience, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	if v.current == nil {
		v.current = v.newDiscovery()
	}
	return v
}

func (v *OIDCVerifier) config() *oidc.Config {
	return &oidc.Config{ClientID: v.audience, Now: func() time.Time { return v.now() }}
}

func (v *OIDCVerifier) newDiscovery() *discovery {
	return &discovery{get: sync.OnceValues(func() (*oidc.IDTokenVerifier, error) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultDiscoveryTimeout)
		defer cancel()
		provider, err := oidc.NewProvider(ctx, v.issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery %s: %w", v.issuer, err)
		}
		return provider.Verifier(v.config()), nil
	})}
}

func (v *OIDCVerifier) verifier() (*oidc.IDTokenVerifier, error) {
	v.mu.Lock()
	d := v.current
	v.mu.Unlock()

	iv, err := d.get()
	if err != nil {
		v.mu.Lock()
		if v.current == d {
			v.current = v.newDiscovery()
		}
		v.mu.Unlock()
		return nil, err
	}
	return iv, nil
}

// Verify implements Verifier.
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Claims, error) {
	if rawToken == "" {
		return Claims{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	iv, err := v.verifier()
	if err != nil {
		return Claims{}, err
	}
	tok, err := iv.Verify(ctx, rawToken)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	var mc marketplaceClaims
	if err := tok.Claims(&mc); err != nil {
		return Claims{}, fmt.Errorf("%w: decode claims: %v", ErrUnauthorized, err)
	}
	if mc.InstallationID == "" {
		return Claims{}, fmt.Errorf("%w: token has no installation_id", ErrUnauthorized)
	}
	return Claims{
		InstallationID: mc.InstallationID,
		AccountID:      mc.AccountID,
		UserID:         mc.UserID,
		Subject:        tok.Subject,
		Issuer:         tok.Issuer,
		ExpiresAt:      tok.Expiry,
	}, nil
}

// ============================================================================
// Static
// ============================================================================

// StaticVerifier accepts a fixed set of opaque tokens. Local development only.
type StaticVerifier struct {
	tokens map[string]string
}

// NewStaticVerifier creates a verifier from token -> installation id.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	cp := make(map[string]string, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &StaticVerifier{tokens: cp}
}

// Verify implements Verifier.
func (s *StaticVerifier) Verify(_ context.Context, rawToken string) (Claims, error) {
	inst, ok := s.tokens[rawToken]
	if !ok || rawToken == "" {
		return Claims{}, ErrUnauthorized
	}
	return Claims{InstallationID: inst, Subject: inst, Issuer: ModeStatic}, nil
}
