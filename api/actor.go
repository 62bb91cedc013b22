package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AnonymousActor is recorded as approver when no identity is configured
// and the request names none.
const AnonymousActor = "anonymous"

type actorKey struct{}

// ActorAuth resolves who is performing a write. With a secret it requires
// an HS256 bearer token and takes the approver from the "sub" claim.
// Without one it trusts the X-Actor-ID header, which is only suitable
// behind a gateway that sets it.
type ActorAuth struct {
	secret []byte
}

func NewActorAuth(secret string) *ActorAuth {
	return &ActorAuth{secret: []byte(secret)}
}

// Middleware rejects unauthenticated requests with 401 when a secret is
// configured and stores the actor in the request context.
func (a *ActorAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := a.resolve(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func (a *ActorAuth) resolve(r *http.Request) (string, error) {
	if len(a.secret) == 0 {
		if actor := strings.TrimSpace(r.Header.Get("X-Actor-ID")); actor != "" {
			return actor, nil
		}
		return AnonymousActor, nil
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errors.New("authentication required")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid token format")
	}

	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("invalid subject in token")
	}
	return sub, nil
}

// ActorFromRequest returns the actor stored by Middleware.
func ActorFromRequest(r *http.Request) string {
	if actor, ok := r.Context().Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return AnonymousActor
}
