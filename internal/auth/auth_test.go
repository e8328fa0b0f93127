package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nexushq/relay/internal/relayerr"
)

func newTestService(roles RoleSource) *Service {
	return NewService("test-secret", time.Hour, roles)
}

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := newTestService(nil)

	token, err := svc.Generate(&User{ID: "user-1", Email: "a@b.c", Role: RoleAdmin})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	user, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if user.ID != "user-1" || user.Role != RoleAdmin || user.Email != "a@b.c" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	token, err := NewService("other-secret", time.Hour, nil).Generate(&User{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if _, err := newTestService(nil).Validate(token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestDisabledService(t *testing.T) {
	svc := NewService("", time.Hour, nil)
	if svc.Enabled() {
		t.Fatal("empty secret must disable auth")
	}
	if _, err := svc.Generate(&User{ID: "x"}); err != ErrAuthDisabled {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestResolveRolePrefersClaim(t *testing.T) {
	svc := newTestService(StaticRoles{"user-1": RoleMember})

	role, err := svc.ResolveRole(context.Background(), &User{ID: "user-1", Role: RoleOwner})
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if role != RoleOwner {
		t.Fatalf("claim role ignored, got %s", role)
	}
}

func TestResolveRoleFallsBackToProfile(t *testing.T) {
	svc := newTestService(StaticRoles{"user-1": RoleAdmin})

	role, err := svc.ResolveRole(context.Background(), &User{ID: "user-1"})
	if err != nil {
		t.Fatalf("ResolveRole() error = %v", err)
	}
	if role != RoleAdmin {
		t.Fatalf("expected profile role admin, got %s", role)
	}

	role, _ = svc.ResolveRole(context.Background(), &User{ID: "stranger"})
	if role != RoleMember {
		t.Fatalf("unknown user should be member, got %s", role)
	}
}

func TestRequireAdmin(t *testing.T) {
	svc := newTestService(StaticRoles{"profile-admin": RoleAdmin})

	var handled bool
	onError := func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(relayerr.KindOf(err).HTTPStatus())
	}
	handler := svc.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		handled = true
		if _, ok := UserFrom(r.Context()); !ok {
			t.Error("expected user on request context")
		}
	}, onError)

	run := func(token string) int {
		handled = false
		req := httptest.NewRequest(http.MethodGet, "/admin/usage", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler(rec, req)
		return rec.Code
	}

	// No token.
	if code := run(""); code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want 401", code)
	}

	// Member role from claims.
	token, _ := svc.Generate(&User{ID: "user-1", Role: RoleMember})
	if code := run(token); code != http.StatusForbidden {
		t.Fatalf("member: status = %d, want 403", code)
	}

	// Owner role from claims.
	token, _ = svc.Generate(&User{ID: "user-1", Role: RoleOwner})
	if code := run(token); code != http.StatusOK || !handled {
		t.Fatalf("owner: status = %d handled = %v", code, handled)
	}

	// Role resolved from the profile when claims carry none.
	token, _ = svc.Generate(&User{ID: "profile-admin"})
	if code := run(token); code != http.StatusOK || !handled {
		t.Fatalf("profile admin: status = %d handled = %v", code, handled)
	}
}
