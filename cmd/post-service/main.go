package main

import (
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pulse/internal/cache"
	"pulse/internal/eventbus"
	"pulse/internal/posts/api"
	"pulse/internal/posts/storage"
	"pulse/internal/redisconn"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	postsTable := os.Getenv("POSTS_TABLE")
	if connStr == "" || postsTable == "" {
		log.Fatal("missing storage config")
	}
	base, err := storage.New(connStr, postsTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisconn.Parse(redisConn))
	store := storage.NewCache(base, cache.New(rc))

	amqpURL := os.Getenv("RABBITMQ_URL")
	if amqpURL == "" {
		log.Fatal("missing rabbitmq config")
	}
	bus, err := eventbus.Dial(amqpURL)
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer bus.Close()

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, store, bus)

	listenAddr := ":8002"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
