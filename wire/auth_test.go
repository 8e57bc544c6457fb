package wire_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sshnaidm/directord/wire"
)

func TestTokenAuthenticator(t *testing.T) {
	auth := wire.NewTokenAuthenticator()
	auth.AddToken("secret-1", "web-1", wire.ScopeWorker)

	id, err := auth.Authenticate(context.Background(), "secret-1")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id.Subject != "web-1" {
		t.Errorf("Subject = %q, want %q", id.Subject, "web-1")
	}
	if !id.HasScope(wire.ScopeWorker) {
		t.Error("identity should have worker scope")
	}
	if id.HasScope(wire.ScopeJobWrite) {
		t.Error("identity should not have job:write scope")
	}

	if _, err := auth.Authenticate(context.Background(), "wrong"); !errors.Is(err, wire.ErrUnauthorized) {
		t.Errorf("Authenticate(wrong) error = %v, want ErrUnauthorized", err)
	}

	auth.RemoveToken("secret-1")
	if _, err := auth.Authenticate(context.Background(), "secret-1"); !errors.Is(err, wire.ErrUnauthorized) {
		t.Errorf("Authenticate(revoked) error = %v, want ErrUnauthorized", err)
	}
}

func TestWildcardScope(t *testing.T) {
	id := &wire.Identity{Subject: "admin", Scopes: []string{wire.ScopeAll}}
	for _, scope := range []string{wire.ScopeWorker, wire.ScopeJobRead, wire.ScopeJobWrite, wire.ScopeFleet} {
		if !id.HasScope(scope) {
			t.Errorf("wildcard identity should have scope %q", scope)
		}
	}
}

func TestNoopAuthenticator(t *testing.T) {
	id, err := wire.NoopAuthenticator{}.Authenticate(context.Background(), "anything")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if !id.HasScope(wire.ScopeJobWrite) {
		t.Error("noop identity should have every scope")
	}
}

func TestCompositeAuthenticator(t *testing.T) {
	workers := wire.NewTokenAuthenticator()
	workers.AddToken("w-token", "web-1", wire.ScopeWorker)
	admins := wire.NewTokenAuthenticator()
	admins.AddToken("a-token", "ops", wire.ScopeAll)

	auth := wire.NewCompositeAuthenticator(workers, admins)

	id, err := auth.Authenticate(context.Background(), "a-token")
	if err != nil {
		t.Fatalf("Authenticate(a-token) error = %v", err)
	}
	if id.Subject != "ops" {
		t.Errorf("Subject = %q, want %q", id.Subject, "ops")
	}

	if _, err := auth.Authenticate(context.Background(), "nope"); !errors.Is(err, wire.ErrUnauthorized) {
		t.Errorf("Authenticate(nope) error = %v, want ErrUnauthorized", err)
	}
}

func TestRequiredScope(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{wire.MethodHello, ""},
		{wire.MethodResult, wire.ScopeWorker},
		{wire.MethodHeartbeat, wire.ScopeWorker},
		{wire.MethodJobSubmit, wire.ScopeJobWrite},
		{wire.MethodJobCancel, wire.ScopeJobWrite},
		{wire.MethodJobGet, wire.ScopeJobRead},
		{wire.MethodSubscribe, wire.ScopeJobRead},
		{wire.MethodFleetList, wire.ScopeFleet},
		{"unknown.method", ""},
	}
	for _, tt := range tests {
		if got := wire.RequiredScope(tt.method); got != tt.want {
			t.Errorf("RequiredScope(%q) = %q, want %q", tt.method, got, tt.want)
		}
	}
}
