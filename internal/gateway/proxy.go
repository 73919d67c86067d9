// Package gateway is the dispatch layer: it admits requests, validates
// tokens, rewrites /v1 paths to the backends' /api prefix and forwards the
// validated identity downstream.
package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"pulse/internal/auth"
	"pulse/internal/httpx"
	"pulse/internal/limiter"
)

// Routes holds the base URLs of the backend services.
type Routes struct {
	Identity string
	Posts    string
	Media    string
	Search   string
}

// Register wires the proxy routes onto the echo instance. Every request
// passes the burst admission tier; register and login additionally pass the
// strict tier; all non-auth routes require a valid token.
func Register(e *echo.Echo, routes Routes, a *auth.Auth, l *limiter.Limiter) error {
	e.Use(stripForwardedIdentity())
	e.Use(limiter.Middleware(l, limiter.Burst, limiter.ClientIP))

	identityProxy, err := proxyTo(routes.Identity)
	if err != nil {
		return fmt.Errorf("identity route: %w", err)
	}
	authGroup := e.Group("/v1/auth")
	authGroup.Use(strictOnSensitive(l))
	authGroup.Use(identityProxy)

	protected := map[string]string{
		"/v1/posts":  routes.Posts,
		"/v1/media":  routes.Media,
		"/v1/search": routes.Search,
	}
	for prefix, target := range protected {
		p, err := proxyTo(target)
		if err != nil {
			return fmt.Errorf("%s route: %w", prefix, err)
		}
		g := e.Group(prefix)
		g.Use(auth.ValidateToken(a))
		g.Use(forwardIdentity())
		g.Use(p)
	}
	return nil
}

// proxyTo builds a reverse-proxy middleware for one backend, rewriting the
// public /v1 prefix to the backend's /api prefix and normalizing upstream
// connection errors.
func proxyTo(target string) (echo.MiddlewareFunc, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", target)
	}
	return middleware.ProxyWithConfig(middleware.ProxyConfig{
		Balancer: middleware.NewRoundRobinBalancer([]*middleware.ProxyTarget{{URL: u}}),
		Rewrite: map[string]string{
			"/v1/*": "/api/$1",
		},
		ErrorHandler: func(c echo.Context, err error) error {
			log.WithError(err).Errorf("proxy to %s failed", u.Host)
			return httpx.Fail(c, http.StatusBadGateway, "Upstream service unavailable")
		},
	}), nil
}

// stripForwardedIdentity drops any client-supplied identity header so the
// only source of x-user-id downstream is the gateway itself.
func stripForwardedIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Request().Header.Del(auth.HeaderUserID)
			return next(c)
		}
	}
}

// forwardIdentity attaches the validated user id for the backend service.
func forwardIdentity() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if claims, ok := auth.UserFromContext(c); ok {
				c.Request().Header.Set(auth.HeaderUserID, claims.UserID)
			}
			return next(c)
		}
	}
}

// strictOnSensitive applies the strict admission tier to credential
// endpoints only; other auth routes ride on the burst tier alone.
func strictOnSensitive(l *limiter.Limiter) echo.MiddlewareFunc {
	strict := limiter.Middleware(l, limiter.Strict, limiter.ClientIP)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := strict(next)
		return func(c echo.Context) error {
			p := c.Request().URL.Path
			if strings.HasSuffix(p, "/register") || strings.HasSuffix(p, "/login") {
				return guarded(c)
			}
			return next(c)
		}
	}
}
