// Package auth validates the JWTs presented to the admin surface and
// enforces the owner/admin role check. Role resolution consults the token
// claims first and falls back to a user profile lookup.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
)

// Role is the caller's privilege level.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Privileged reports whether the role may use the admin surface.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

// User is the authenticated caller.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  Role   `json:"role,omitempty"`
}

// Claims is the JWT payload.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// RoleSource resolves a role for users whose token carries none.
type RoleSource interface {
	Role(ctx context.Context, userID string) (Role, error)
}

// StaticRoles is a RoleSource over a fixed map. Unknown users are members.
type StaticRoles map[string]Role

func (s StaticRoles) Role(ctx context.Context, userID string) (Role, error) {
	if r, ok := s[userID]; ok {
		return r, nil
	}
	return RoleMember, nil
}

// Service signs and validates tokens.
type Service struct {
	secret []byte
	expiry time.Duration
	roles  RoleSource
}

// NewService builds the auth service. An empty secret disables auth; roles
// may be nil, in which case only token claims grant privilege.
func NewService(secret string, expiry time.Duration, roles RoleSource) *Service {
	return &Service{secret: []byte(strings.TrimSpace(secret)), expiry: expiry, roles: roles}
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Generate issues a signed token for the given user.
func (s *Service) Generate(user *User) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return "", errors.New("user id required")
	}

	claims := Claims{
		Email: strings.TrimSpace(user.Email),
		Name:  strings.TrimSpace(user.Name),
		Role:  string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
		},
	}
	if s.expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT and returns the user embedded in it.
func (s *Service) Validate(token string) (*User, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &User{
		ID:    claims.Subject,
		Email: strings.TrimSpace(claims.Email),
		Name:  strings.TrimSpace(claims.Name),
		Role:  Role(claims.Role),
	}, nil
}

// ResolveRole returns the effective role: the claim when present, else the
// profile lookup, else member.
func (s *Service) ResolveRole(ctx context.Context, user *User) (Role, error) {
	if user == nil {
		return RoleMember, nil
	}
	if user.Role != "" {
		return user.Role, nil
	}
	if s.roles == nil {
		return RoleMember, nil
	}
	return s.roles.Role(ctx, user.ID)
}
