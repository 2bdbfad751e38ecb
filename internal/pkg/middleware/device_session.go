package middleware

import (
	"net/http"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/jwt"
	"github.com/tsel-ticketmaster/tm-gate/internal/pkg/session"
	"github.com/tsel-ticketmaster/tm-gate/pkg/response"
	"github.com/tsel-ticketmaster/tm-gate/pkg/status"
)

type DeviceSession struct {
	jsonWebToken *jwt.JSONWebToken
	store        session.Store
}

func NewDeviceSessionMiddleware(jsonWebToken *jwt.JSONWebToken, store session.Store) *DeviceSession {
	return &DeviceSession{
		jsonWebToken: jsonWebToken,
		store:        store,
	}
}

type deviceClaims struct {
	gojwt.RegisteredClaims
	SessionID string `json:"sid"`
}

// Verify authenticates the bearer token of a gate/POS terminal and injects
// its session onto the request context.
func (m *DeviceSession) Verify(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := r.Header.Get("Authorization")
		tokenString, found := strings.CutPrefix(authorization, "Bearer ")
		if !found || tokenString == "" {
			response.JSON(w, http.StatusUnauthorized, response.RESTEnvelope{
				Status:  status.UNAUTHORIZED,
				Message: "missing bearer token",
			})
			return
		}

		claims := &deviceClaims{}
		if err := m.jsonWebToken.Parse(tokenString, claims); err != nil {
			response.JSON(w, http.StatusUnauthorized, response.RESTEnvelope{
				Status:  status.UNAUTHORIZED,
				Message: "invalid token",
			})
			return
		}

		device, err := m.store.Get(r.Context(), claims.SessionID)
		if err != nil {
			response.JSON(w, http.StatusUnauthorized, response.RESTEnvelope{
				Status:  status.UNAUTHORIZED,
				Message: "device session has expired or does not exist",
			})
			return
		}

		ctx := session.ContextWithDevice(r.Context(), device)
		next(w, r.WithContext(ctx))
	}
}
