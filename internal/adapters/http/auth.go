package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kirillkom/kedb-orchestrator/internal/core/domain"
)

const (
	callerIDHeader    = "X-Kedb-Caller"
	callerRolesHeader = "X-Kedb-Roles"
)

// CallerClaims is the token payload carrying the caller's identity.
type CallerClaims struct {
	jwt.RegisteredClaims
	Roles        []string `json:"roles"`
	Entitlements []string `json:"entitlements,omitempty"`
}

type callerContextKey struct{}

func callerFromContext(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(domain.Caller)
	return caller, ok
}

func withCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// Authenticator resolves the caller of a request from its bearer token.
type Authenticator struct {
	secret  []byte
	issuer  string
	enabled bool
}

func NewAuthenticator(enabled bool, secret, issuer string) *Authenticator {
	return &Authenticator{
		secret:  []byte(secret),
		issuer:  issuer,
		enabled: enabled,
	}
}

func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.Authenticate(r)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

// Authenticate returns the request's caller. With auth disabled the caller
// comes from plain headers.
func (a *Authenticator) Authenticate(r *http.Request) (domain.Caller, error) {
	if !a.enabled {
		id := strings.TrimSpace(r.Header.Get(callerIDHeader))
		if id == "" {
			id = "anonymous"
		}
		return domain.Caller{ID: id, Roles: splitList(r.Header.Get(callerRolesHeader))}, nil
	}

	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return domain.Caller{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("bearer token is required"))
	}
	claims, err := a.parse(raw)
	if err != nil {
		return domain.Caller{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return domain.Caller{}, domain.WrapError(domain.ErrUnauthorized, "authenticate", errors.New("token subject is required"))
	}
	return domain.Caller{
		ID:           claims.Subject,
		Roles:        normalizeList(claims.Roles),
		Entitlements: normalizeList(claims.Entitlements),
	}, nil
}

func (a *Authenticator) parse(raw string) (*CallerClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &CallerClaims{}, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := token.Claims.(*CallerClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// SignCallerToken issues an HS256 token for the caller.
func SignCallerToken(secret, issuer string, caller domain.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := CallerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles:        caller.Roles,
		Entitlements: caller.Entitlements,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(headerValue string) (string, bool) {
	headerValue = strings.TrimSpace(headerValue)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(headerValue, bearerPrefix))
	return token, token != ""
}

func splitList(raw string) []string {
	return normalizeList(strings.Split(raw, ","))
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
