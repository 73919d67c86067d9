package auth

import (
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pulse/internal/httpx"
)

// HeaderUserID carries the validated identity from the gateway to the
// backend services.
const HeaderUserID = "x-user-id"

const contextUserKey = "auth.user"

// ValidateToken rejects requests without a valid bearer token and stores the
// claims in the request context for the dispatch layer.
func ValidateToken(a *Auth) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := a.ClaimsFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				log.WithError(err).Debug("token validation failed")
				return httpx.Fail(c, http.StatusUnauthorized, "Authentication required")
			}
			c.Set(contextUserKey, claims)
			return next(c)
		}
	}
}

// UserFromContext returns the claims stored by ValidateToken.
func UserFromContext(c echo.Context) (Claims, bool) {
	claims, ok := c.Get(contextUserKey).(Claims)
	return claims, ok
}

// RequireUserHeader guards backend services that sit behind the gateway:
// requests must carry the forwarded identity header. The value is trusted
// because only the gateway is routable.
func RequireUserHeader() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := c.Request().Header.Get(HeaderUserID)
			if userID == "" {
				return httpx.Fail(c, http.StatusUnauthorized, "Authentication required")
			}
			c.Set(contextUserKey, Claims{UserID: userID})
			return next(c)
		}
	}
}
