package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in operator tokens. A viewer may read; an operator may
// also queue commands and invalidate cached decisions.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// tokenIssuer is the iss claim of every token this service signs.
const tokenIssuer = "devicesync"

// Token errors.
var (
	ErrTokenInvalid = errors.New("api: invalid token")
	ErrNoSecret     = errors.New("api: jwt secret not configured")
)

// Claims are the claims of an operator token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueToken signs an HS256 token for subject with the given role.
//
// Parameters:
//   - secret: the api.jwt_secret the server validates with
//   - subject: who the token is for, logged with every mutating request
//   - role: RoleViewer or RoleOperator
//   - ttl: token lifetime; must be positive
//
// Returns:
//   - string: the signed token, sent as "Authorization: Bearer <token>"
//   - error: ErrNoSecret, or a validation or signing error
func IssueToken(secret, subject, role string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if subject == "" {
		return "", fmt.Errorf("token subject is required")
	}
	if !knownRole(role) {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates signature, issuer and expiry and returns the claims.
func ParseToken(tokenString, secret string) (*Claims, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !knownRole(claims.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}
	return claims, nil
}

func knownRole(role string) bool {
	return role == RoleViewer || role == RoleOperator
}

type claimsKey struct{}

// claimsFromContext returns the claims set by authenticate, if any.
func claimsFromContext(ctx context.Context) *Claims {
	c, _ := ctx.Value(claimsKey{}).(*Claims)
	return c
}

func subject(r *http.Request) string {
	if c := claimsFromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}

// authenticate requires a valid bearer token. Without a configured secret
// every request is refused.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeUnauthorized(w, "bearer token required")
			return
		}
		claims, err := ParseToken(strings.TrimSpace(raw), s.cfg.JWTSecret)
		if err != nil {
			if errors.Is(err, ErrNoSecret) {
				writeUnauthorized(w, "api authentication is not configured")
				return
			}
			s.logger.Debug("rejected bearer token", "error", err)
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// requireOperator admits only operator tokens. It runs after authenticate.
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != RoleOperator {
			writeForbidden(w, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
