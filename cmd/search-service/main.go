package main

import (
	"context"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pulse/internal/cache"
	"pulse/internal/eventbus"
	"pulse/internal/redisconn"
	"pulse/internal/search/api"
	"pulse/internal/search/events"
	"pulse/internal/search/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	searchTable := os.Getenv("SEARCH_TABLE")
	if connStr == "" || searchTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, searchTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	redisConn := os.Getenv("REDIS_CONNECTION_STRING")
	if redisConn == "" {
		log.Fatal("missing redis config")
	}
	rc := redis.NewClient(redisconn.Parse(redisConn))
	queryCache := cache.New(rc)

	amqpURL := os.Getenv("RABBITMQ_URL")
	if amqpURL == "" {
		log.Fatal("missing rabbitmq config")
	}
	bus, err := eventbus.Dial(amqpURL)
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	if err := bus.Subscribe(ctx, eventbus.PostCreatedKey, events.HandlePostCreated(store, queryCache)); err != nil {
		log.Fatalf("subscribe %s: %v", eventbus.PostCreatedKey, err)
	}
	if err := bus.Subscribe(ctx, eventbus.PostDeletedKey, events.HandlePostDeleted(store, queryCache)); err != nil {
		log.Fatalf("subscribe %s: %v", eventbus.PostDeletedKey, err)
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, store, queryCache)

	listenAddr := ":8004"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
