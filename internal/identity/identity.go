// Package identity resolves the reviewer behind a request and answers
// channel membership questions. Tokens are issued elsewhere; this package
// only verifies them.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"frameproof/internal/apperr"
	"frameproof/internal/models"
)

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authorizer decides whether identity may act on a channel.
type Authorizer interface {
	IsMember(ctx context.Context, channelID, identity string) (bool, error)
}

// Resolver extracts the caller identity from an HTTP request.
type Resolver interface {
	Resolve(r *http.Request) (string, error)
}

// MemberStore is the repository lookup StoreAuthorizer relies on.
type MemberStore interface {
	GetMember(ctx context.Context, channelID, identity string) (models.ChannelMember, error)
}

// StoreAuthorizer answers membership from the channel_members table.
type StoreAuthorizer struct {
	store MemberStore
}

func NewStoreAuthorizer(store MemberStore) *StoreAuthorizer {
	return &StoreAuthorizer{store: store}
}

func (a *StoreAuthorizer) IsMember(ctx context.Context, channelID, identity string) (bool, error) {
	if strings.TrimSpace(identity) == "" {
		return false, nil
	}
	_, err := a.store.GetMember(ctx, channelID, identity)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("membership lookup: %w", err)
	}
	return true, nil
}

// Role returns the member's role, or apperr.ErrForbidden for non-members.
func (a *StoreAuthorizer) Role(ctx context.Context, channelID, identity string) (models.MemberRole, error) {
	member, err := a.store.GetMember(ctx, channelID, identity)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("%s is not a member of %s: %w", identity, channelID, apperr.ErrForbidden)
	}
	if err != nil {
		return "", err
	}
	return member.Role, nil
}

// AllowAll treats every non-empty identity as a member. Development only.
type AllowAll struct{}

func (AllowAll) IsMember(_ context.Context, _ string, identity string) (bool, error) {
	return strings.TrimSpace(identity) != "", nil
}

// Role reports every caller as a reviewer, so owner-only routes stay closed.
func (AllowAll) Role(_ context.Context, _ string, identity string) (models.MemberRole, error) {
	if strings.TrimSpace(identity) == "" {
		return "", apperr.ErrForbidden
	}
	return models.RoleReviewer, nil
}

// HeaderResolver trusts an identity header set by an upstream proxy.
type HeaderResolver struct {
	Header string
}

func (h HeaderResolver) Resolve(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = "X-Frameproof-Identity"
	}
	value := strings.TrimSpace(r.Header.Get(name))
	if value == "" {
		return "", ErrUnauthenticated
	}
	return value, nil
}

type contextKey struct{}

// WithIdentity stores the resolved identity on ctx.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(contextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
