package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// JWTVerifier validates HS256 bearer tokens minted by the identity provider
// and returns their subject.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// JWTOption configures a JWTVerifier.
type JWTOption func(*JWTVerifier)

// WithIssuer requires the iss claim to match.
func WithIssuer(issuer string) JWTOption {
	return func(v *JWTVerifier) { v.issuer = strings.TrimSpace(issuer) }
}

// WithAudience requires the aud claim to contain audience.
func WithAudience(audience string) JWTOption {
	return func(v *JWTVerifier) { v.audience = strings.TrimSpace(audience) }
}

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(leeway time.Duration) JWTOption {
	return func(v *JWTVerifier) {
		if leeway > 0 {
			v.leeway = leeway
		}
	}
}

func withClock(now func() time.Time) JWTOption {
	return func(v *JWTVerifier) { v.now = now }
}

func NewJWTVerifier(secret string, opts ...JWTOption) (*JWTVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	v := &JWTVerifier{secret: []byte(secret), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify parses raw and returns the sub claim.
func (v *JWTVerifier) Verify(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrUnauthenticated
	}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(v.audience))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || token == nil || !token.Valid {
		return "", ErrUnauthenticated
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}

// Resolve reads the bearer token from the Authorization header, or from the
// access_token query parameter for WebSocket upgrades where browsers cannot
// set headers.
func (v *JWTVerifier) Resolve(r *http.Request) (string, error) {
	return v.Verify(BearerToken(r))
}

// BearerToken extracts the token from the Authorization header or the
// access_token query parameter.
func BearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
