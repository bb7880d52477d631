package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/cashbridge/internal/domain"
)

type actorKey struct{}

// actorSlot lets the outer logging middleware see an actor resolved by an
// inner one.
type actorSlot struct {
	actor domain.Actor
	set   bool
}

type slotKey struct{}

func withActorSlot(ctx context.Context) context.Context {
	return context.WithValue(ctx, slotKey{}, &actorSlot{})
}

func slotActor(ctx context.Context) (domain.Actor, bool) {
	s, ok := ctx.Value(slotKey{}).(*actorSlot)
	if !ok || !s.set {
		return domain.Actor{}, false
	}
	return s.actor, true
}

// WithActor returns a copy of ctx carrying the caller identity.
func WithActor(ctx context.Context, a domain.Actor) context.Context {
	if s, ok := ctx.Value(slotKey{}).(*actorSlot); ok {
		s.actor, s.set = a, true
	}
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the caller identity set by Identity or APIKey.
func ActorFrom(ctx context.Context) (domain.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(domain.Actor)
	return a, ok
}

// TokenVerifier checks Supabase access tokens (HS256, shared secret).
type TokenVerifier struct {
	secret   []byte
	audience string
}

// NewTokenVerifier creates a verifier. An empty audience skips the aud check.
func NewTokenVerifier(secret, audience string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), audience: audience}
}

var errInvalidToken = errors.New("invalid token")

// Verify parses token and returns its subject.
func (v *TokenVerifier) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := new(jwt.RegisteredClaims)
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", errInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// Identity returns middleware that requires a valid bearer token and stores
// the token subject as the request actor. Websocket clients may pass the
// token as the access_token query parameter instead.
func Identity(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				token = strings.TrimSpace(r.URL.Query().Get("access_token"))
			}
			if token == "" {
				writeUnauthorized(w, "missing authentication token")
				return
			}
			sub, err := v.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid authentication token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), domain.UserActor(sub))))
		})
	}
}

// APIKey returns middleware that guards operator routes with a static key in
// the X-API-Key header. Authorised requests run as the "operator" system
// actor. An empty key rejects everything.
func APIKey(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := strings.TrimSpace(r.Header.Get("X-API-Key"))
			if apiKey == "" || key == "" {
				writeUnauthorized(w, "missing api key")
				return
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				writeUnauthorized(w, "invalid api key")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), domain.SystemActor("operator"))))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
