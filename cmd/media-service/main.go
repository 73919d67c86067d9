package main

import (
	"context"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"

	"pulse/internal/eventbus"
	"pulse/internal/media/api"
	"pulse/internal/media/blob"
	"pulse/internal/media/events"
	"pulse/internal/media/storage"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	mediaTable := os.Getenv("MEDIA_TABLE")
	if connStr == "" || mediaTable == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, mediaTable)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	bucket := os.Getenv("MEDIA_BUCKET")
	region := os.Getenv("AWS_REGION")
	if bucket == "" || region == "" {
		log.Fatal("missing blob storage config")
	}
	ctx := context.Background()
	blobs, err := blob.NewS3(ctx, bucket, region, os.Getenv("S3_ENDPOINT"))
	if err != nil {
		log.Fatalf("blob storage: %v", err)
	}

	amqpURL := os.Getenv("RABBITMQ_URL")
	if amqpURL == "" {
		log.Fatal("missing rabbitmq config")
	}
	bus, err := eventbus.Dial(amqpURL)
	if err != nil {
		log.Fatalf("event bus: %v", err)
	}
	defer bus.Close()

	if err := bus.Subscribe(ctx, eventbus.PostDeletedKey, events.HandlePostDeleted(store, blobs)); err != nil {
		log.Fatalf("subscribe %s: %v", eventbus.PostDeletedKey, err)
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	api.Register(e, store, blobs)

	listenAddr := ":8003"
	if val, ok := os.LookupEnv("PORT"); ok {
		listenAddr = ":" + val
	}
	e.Logger.Fatal(e.Start(listenAddr))
}
