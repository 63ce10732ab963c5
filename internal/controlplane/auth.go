package controlplane

import (
	"context"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/fieldops/safesync/internal/syncerr"
)

type ctxKey string

const ctxActor ctxKey = "actor"

// AuthConfig holds operator authentication settings.
type AuthConfig struct {
	HS256Secret string // HMAC secret for HS256 tokens
	DevMode     bool   // Allow X-Debug-Sub header (only for local dev)
}

// authMiddleware validates operator JWTs. In dev mode a bare X-Debug-Sub
// header is accepted when no token is present.
func authMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	if cfg.DevMode {
		log.Warn().Msg("SECURITY WARNING: DevMode enabled - X-Debug-Sub header will bypass JWT authentication")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := ""
			if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
				tok = h[7:]
			}

			sub := ""
			if cfg.DevMode && tok == "" {
				sub = r.Header.Get("X-Debug-Sub")
				if sub != "" {
					log.Debug().Str("sub", sub).Msg("using X-Debug-Sub header (dev mode)")
				}
			}

			if tok != "" {
				claims := jwt.MapClaims{}
				t, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return []byte(cfg.HS256Secret), nil
				})
				if err != nil || !t.Valid {
					log.Warn().Err(err).Msg("jwt validation failed")
					writeError(w, syncerr.New(syncerr.CodeAuthFailed, "invalid token"))
					return
				}
				if s, ok := claims["sub"].(string); ok {
					sub = s
				}
			}

			if sub == "" {
				writeError(w, syncerr.New(syncerr.CodeAuthFailed, "missing credentials"))
				return
			}

			ctx := context.WithValue(r.Context(), ctxActor, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Actor extracts the authenticated operator subject from request context.
func Actor(ctx context.Context) string {
	if s, ok := ctx.Value(ctxActor).(string); ok {
		return s
	}
	return ""
}
