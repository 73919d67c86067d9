package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pulse/internal/auth"
	"pulse/internal/gateway"
	"pulse/internal/health"
	"pulse/internal/limiter"
	"pulse/internal/redisconn"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	routes := gateway.Routes{
		Identity: os.Getenv("IDENTITY_SERVICE_URL"),
		Posts:    os.Getenv("POST_SERVICE_URL"),
		Media:    os.Getenv("MEDIA_SERVICE_URL"),
		Search:   os.Getenv("SEARCH_SERVICE_URL"),
	}
	if routes.Identity == "" || routes.Posts == "" || routes.Media == "" || routes.Search == "" {
		log.Fatal("missing service route config")
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisconn.Parse(redisConn))

	state := health.NewState("redis")
	store := limiter.NewRedisStore(rc, state)
	lim := limiter.New(store, state)
	go state.Probe(context.Background(), store, 5*time.Second, time.Second)

	a := newAuth()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	if err := gateway.Register(e, routes, a, lim); err != nil {
		log.Fatalf("gateway: %v", err)
	}

	listenAddr := ":8000"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}

// newAuth prefers shared-secret mode and switches to JWKS verification when a
// provider domain is configured.
func newAuth() *auth.Auth {
	if domain := os.Getenv("AUTH_JWKS_DOMAIN"); domain != "" {
		audience := os.Getenv("AUTH_AUDIENCE")
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		return auth.NewJWKS(jwks, audience, "https://"+domain+"/")
	}
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("missing JWT_SECRET")
	}
	return auth.NewShared(secret, os.Getenv("JWT_ISSUER"), 0)
}
