package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/pvhip/GymMaster/internal/catalog"
)

// DefaultIssuer is the iss claim of tokens minted by this service.
const DefaultIssuer = "gymmaster"

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrUnauthenticated means no actor is attached to the request.
	ErrUnauthenticated = errors.New("unauthenticated")

	errMissingSecret = errors.New("auth secret is not configured")
)

// Claims carries only the subject. Role and status are always read from
// the user directory so that a demoted or deactivated account loses
// access without waiting for token expiry.
type Claims struct {
	jwt.RegisteredClaims
}

// Signer issues and verifies HS256 bearer tokens.
type Signer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithIssuer overrides DefaultIssuer.
func WithIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner builds a signer around a shared secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &Signer{secret: []byte(secret), issuer: DefaultIssuer, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign mints a token for userID valid for ttl.
func (s *Signer) Sign(userID string, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("userID is required")
	}
	if ttl <= 0 {
		return "", time.Time{}, errors.New("ttl must be greater than zero")
	}

	now := s.now().UTC()
	expires := now.Add(ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify checks the signature and required claims and returns them.
func (s *Signer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if err := s.validateClaims(claims); err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Signer) validateClaims(claims *Claims) error {
	if claims.Issuer != s.issuer {
		return fmt.Errorf("unexpected issuer: %s", claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return errors.New("subject missing")
	}
	if claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return errors.New("timestamps missing")
	}
	now := s.now().UTC()
	if now.After(claims.ExpiresAt.Time) {
		return errors.New("token expired")
	}
	// Allow a small clock skew of 5 seconds when validating issued-at.
	if claims.IssuedAt.Time.After(now.Add(5 * time.Second)) {
		return errors.New("token issued in the future")
	}
	if claims.ExpiresAt.Time.Before(claims.IssuedAt.Time) {
		return errors.New("token expiry precedes issued-at")
	}
	return nil
}

type actorContextKey struct{}

// ContextWithActor attaches the resolved directory user to the context.
func ContextWithActor(ctx context.Context, actor catalog.User) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the authenticated directory user.
func ActorFromContext(ctx context.Context) (catalog.User, bool) {
	if ctx == nil {
		return catalog.User{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(catalog.User)
	if !ok || actor.ID == "" {
		return catalog.User{}, false
	}
	return actor, true
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return "", false
	}
	return actor.ID, true
}
