package limiter

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pulse/internal/httpx"
)

// KeyFunc extracts the client identity a request is counted under.
type KeyFunc func(c echo.Context) string

// ClientIP keys requests by remote address.
func ClientIP(c echo.Context) string {
	return c.RealIP()
}

// Middleware runs an admission check before the handler. Rejected requests
// short-circuit with 429, a Retry-After header and a machine-readable retry
// hint in the body.
func Middleware(l *Limiter, tier Tier, key KeyFunc) echo.MiddlewareFunc {
	if key == nil {
		key = ClientIP
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clientID := key(c)
			d := l.Check(c.Request().Context(), clientID, tier)
			if d.Allowed {
				return next(c)
			}
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			log.WithFields(log.Fields{"tier": tier.Name, "client": clientID}).Warn("rate limit exceeded")
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			return c.JSON(http.StatusTooManyRequests, httpx.Envelope{
				Success:    false,
				Message:    "Too many requests, please try again later",
				RetryAfter: secs,
			})
		}
	}
}
