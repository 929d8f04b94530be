package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls bearer-token verification on privileged routes.
type JWTConfig struct {
	Secret    string
	Issuer    string
	Audience  string
	ClockSkew time.Duration
}

type contextKey string

// ContextKeySubject carries the authenticated token subject.
const ContextKeySubject contextKey = "gateway.subject"

// JWTVerifier gates privileged routes behind HMAC-signed bearer tokens.
type JWTVerifier struct {
	cfg    JWTConfig
	secret []byte
	logger *slog.Logger
}

// NewJWTVerifier builds a verifier. A nil logger falls back to slog.Default.
func NewJWTVerifier(cfg JWTConfig, logger *slog.Logger) *JWTVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &JWTVerifier{
		cfg:    cfg,
		secret: []byte(strings.TrimSpace(cfg.Secret)),
		logger: logger,
	}
}

// Require wraps a handler so only callers holding every required scope pass.
func (v *JWTVerifier) Require(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractBearer(r.Header.Get("Authorization"))
			if tokenString == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			claims, err := v.parseToken(tokenString)
			if err != nil {
				v.logger.Warn("admin token rejected", "error", err.Error())
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if err := v.validateClaims(claims); err != nil {
				v.logger.Warn("admin claims rejected", "error", err.Error())
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			if !hasScopes(extractScopes(claims), requiredScopes) {
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			subject, _ := claims["sub"].(string)
			ctx := context.WithValue(r.Context(), ContextKeySubject, subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (v *JWTVerifier) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(v.secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	}, jwt.WithLeeway(v.cfg.ClockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func (v *JWTVerifier) validateClaims(claims jwt.MapClaims) error {
	if v.cfg.Issuer != "" {
		if value, ok := claims["iss"].(string); !ok || value != v.cfg.Issuer {
			return errors.New("issuer mismatch")
		}
	}
	if v.cfg.Audience != "" {
		switch val := claims["aud"].(type) {
		case string:
			if val != v.cfg.Audience {
				return errors.New("audience mismatch")
			}
		case []interface{}:
			matched := false
			for _, entry := range val {
				if s, ok := entry.(string); ok && s == v.cfg.Audience {
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

func extractScopes(claims jwt.MapClaims) []string {
	raw, ok := claims["scope"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case string:
		return strings.Fields(strings.TrimSpace(v))
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

func hasScopes(scopes, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		set[scope] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}

func extractBearer(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
