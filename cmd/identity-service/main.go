package main

import (
	"os"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"pulse/internal/auth"
	"pulse/internal/identity/api"
	"pulse/internal/identity/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	usersTable := os.Getenv("USERS_TABLE")
	if connStr == "" || usersTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, usersTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("missing JWT_SECRET")
	}
	ttl := time.Duration(0)
	if v := os.Getenv("JWT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid JWT_TTL: %v", err)
		}
		ttl = d
	}
	issuer := auth.NewShared(secret, os.Getenv("JWT_ISSUER"), ttl)

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, store, issuer)

	listenAddr := ":8001"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
