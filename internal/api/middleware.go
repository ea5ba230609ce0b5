package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/savegress/medledger/internal/cache"
	"github.com/savegress/medledger/internal/config"
)

type contextKey string

const callerContextKey contextKey = "caller"

// AuthMiddleware validates bearer tokens issued by the wallet identity
// provider and resolves the calling account address. The token subject
// is the caller's hex address; the service trusts the provider's
// authentication of who is calling.
func AuthMiddleware(cfg *config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondError(w, http.StatusUnauthorized, "Missing authorization header")
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondError(w, http.StatusUnauthorized, "Invalid authorization header format")
				return
			}

			token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(cfg.JWTSecret), nil
			})

			if err != nil || !token.Valid {
				respondError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				respondError(w, http.StatusUnauthorized, "Invalid token claims")
				return
			}

			subject, ok := claims["sub"].(string)
			if !ok || !common.IsHexAddress(subject) {
				respondError(w, http.StatusUnauthorized, "Invalid caller address in token")
				return
			}

			ctx := context.WithValue(r.Context(), callerContextKey, common.HexToAddress(subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CallerFromContext returns the authenticated caller address
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerContextKey).(common.Address)
	return caller, ok
}

// RateLimitMiddleware limits API calls per caller using Redis
func RateLimitMiddleware(cfg *config.RateLimitConfig, c *cache.Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled || !c.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			identifier := r.RemoteAddr
			if caller, ok := CallerFromContext(r.Context()); ok {
				identifier = caller.Hex()
			}

			exceeded, _, err := c.CheckRateLimit(r.Context(), identifier, int64(cfg.RequestsPerMinute), time.Minute)
			if err != nil {
				// Rate limiter unavailable; let the request through.
				next.ServeHTTP(w, r)
				return
			}
			if exceeded {
				respondError(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// IssueToken mints a caller token for an account address. In a real
// deployment tokens come from the wallet identity provider; this is
// exposed only in development environments.
func IssueToken(cfg *config.AuthConfig, address common.Address) (string, error) {
	ttl := time.Duration(cfg.TokenTTLMinutes) * time.Minute
	if ttl <= 0 {
		ttl = time.Hour
	}

	claims := jwt.MapClaims{
		"sub": address.Hex(),
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}
