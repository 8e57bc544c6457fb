package wire

import (
	"context"
	"errors"
	"sync"
)

// ErrUnauthorized is returned when a token is missing, unknown, or
// lacks the scope a method requires.
var ErrUnauthorized = errors.New("wire: unauthorized")

// Identity describes an authenticated peer.
type Identity struct {
	// Subject is the peer's identity (agent target name, client name).
	Subject string

	// Scopes lists what the peer may do. The wildcard "*" grants
	// everything.
	Scopes []string
}

// HasScope reports whether the identity holds the given scope.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope || s == ScopeAll {
			return true
		}
	}
	return false
}

// Authenticator validates connection tokens.
type Authenticator interface {
	// Authenticate validates a token and returns the peer identity,
	// or ErrUnauthorized.
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// ── Scopes ──────────────────────────────────────────

const (
	ScopeAll      = "*"
	ScopeWorker   = "worker"
	ScopeJobRead  = "job:read"
	ScopeJobWrite = "job:write"
	ScopeFleet    = "fleet:read"
)

// RequiredScope returns the scope a method requires, or "" for methods
// open to any authenticated peer.
func RequiredScope(method string) string {
	switch method {
	case MethodHello:
		return ""
	case MethodAck, MethodResult, MethodHeartbeat:
		return ScopeWorker
	case MethodJobSubmit, MethodJobCancel, MethodJobRedrive:
		return ScopeJobWrite
	case MethodJobGet, MethodJobList, MethodSubscribe, MethodUnsubscribe:
		return ScopeJobRead
	case MethodFleetList:
		return ScopeFleet
	default:
		return ""
	}
}

// ── Implementations ─────────────────────────────────

// TokenAuthenticator validates tokens against a static in-memory map.
// Suitable for small fleets provisioned from config.
type TokenAuthenticator struct {
	mu     sync.RWMutex
	tokens map[string]*Identity
}

// NewTokenAuthenticator creates an authenticator with no tokens
// registered; every authentication fails until AddToken is called.
func NewTokenAuthenticator() *TokenAuthenticator {
	return &TokenAuthenticator{tokens: make(map[string]*Identity)}
}

// AddToken registers a token with a subject and scopes.
func (a *TokenAuthenticator) AddToken(token, subject string, scopes ...string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens[token] = &Identity{Subject: subject, Scopes: scopes}
}

// RemoveToken revokes a token.
func (a *TokenAuthenticator) RemoveToken(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tokens, token)
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.tokens[token]
	if !ok {
		return nil, ErrUnauthorized
	}
	return &Identity{Subject: id.Subject, Scopes: append([]string(nil), id.Scopes...)}, nil
}

// NoopAuthenticator accepts every token and grants all scopes. It is
// the default when no authenticator is configured.
type NoopAuthenticator struct{}

func (NoopAuthenticator) Authenticate(_ context.Context, token string) (*Identity, error) {
	return &Identity{Subject: "anonymous", Scopes: []string{ScopeAll}}, nil
}

// CompositeAuthenticator tries several authenticators in order and
// accepts the first success.
type CompositeAuthenticator struct {
	authenticators []Authenticator
}

func NewCompositeAuthenticator(auths ...Authenticator) *CompositeAuthenticator {
	return &CompositeAuthenticator{authenticators: auths}
}

func (a *CompositeAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	for _, auth := range a.authenticators {
		id, err := auth.Authenticate(ctx, token)
		if err == nil {
			return id, nil
		}
	}
	return nil, ErrUnauthorized
}

var (
	_ Authenticator = (*TokenAuthenticator)(nil)
	_ Authenticator = NoopAuthenticator{}
	_ Authenticator = (*CompositeAuthenticator)(nil)
)
