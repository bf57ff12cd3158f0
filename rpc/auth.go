package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes granted by bearer tokens.
const (
	ScopeSubmit = "submit"
	ScopeRelay  = "relay"
)

// AuthConfig configures bearer token verification. An empty HMACSecret
// disables verification and every request is granted all scopes.
type AuthConfig struct {
	HMACSecret string
	Issuer     string
	Audience   string
	ScopeClaim string
	ClockSkew  time.Duration
}

type scopesContextKey struct{}

var (
	errMissingBearer = errors.New("missing bearer token")
	errInvalidToken  = errors.New("invalid token")
)

// Authenticator verifies HMAC signed JWT bearer tokens.
type Authenticator struct {
	cfg    AuthConfig
	secret []byte
	logger *slog.Logger
}

// NewAuthenticator builds an authenticator from cfg.
func NewAuthenticator(cfg AuthConfig, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		logger: logger,
	}
}

// Enabled reports whether tokens are verified.
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Middleware attaches the scopes granted by the request's bearer token to
// its context. Requests with an invalid token are refused outright; requests
// without a token continue with no scopes so read-only methods stay open.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		scopes, err := a.verify(token)
		if err != nil {
			a.logger.Warn("rpc auth rejected token", slog.String("error", err.Error()))
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, errInvalidToken.Error(), nil)
			return
		}
		ctx := context.WithValue(r.Context(), scopesContextKey{}, scopes)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Require reports whether the request carries scope.
func (a *Authenticator) Require(r *http.Request, scope string) error {
	if !a.Enabled() {
		return nil
	}
	scopes, ok := r.Context().Value(scopesContextKey{}).([]string)
	if !ok {
		return errMissingBearer
	}
	for _, granted := range scopes {
		if granted == scope {
			return nil
		}
	}
	return errors.New("insufficient scope: " + scope + " required")
}

func (a *Authenticator) verify(tokenString string) ([]string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	if err := validateClaims(claims, a.cfg.Issuer, a.cfg.Audience); err != nil {
		return nil, err
	}
	return extractScopes(claims, a.cfg.ScopeClaim), nil
}

func validateClaims(claims jwt.MapClaims, issuer, audience string) error {
	if issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != issuer {
			return errors.New("issuer mismatch")
		}
	}
	if audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == audience {
					matched = true
					break
				}
			}
			if !matched {
				return errors.New("audience mismatch")
			}
		default:
			return errors.New("audience missing")
		}
	}
	return nil
}

func extractScopes(claims jwt.MapClaims, scopeClaim string) []string {
	switch v := claims[scopeClaim].(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
