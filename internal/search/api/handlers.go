// Package api exposes text search over the derived post records.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pulse/internal/auth"
	"pulse/internal/cache"
	"pulse/internal/httpx"
	"pulse/internal/search/storage"
)

const (
	queryTTL     = time.Minute
	maxQueryLen  = 200
	resultsLimit = 10
)

// Store answers search queries.
type Store interface {
	Query(ctx context.Context, query string, limit int) ([]storage.Record, error)
}

// Register wires up the search routes.
func Register(e *echo.Echo, store Store, cacheStore *cache.Store) {
	g := e.Group("/api/search", auth.RequireUserHeader())
	g.GET("", searchPosts(store, cacheStore))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

func searchPosts(store Store, cacheStore *cache.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		query := strings.TrimSpace(c.QueryParam("query"))
		if query == "" || len(query) > maxQueryLen {
			return httpx.Fail(c, http.StatusBadRequest, "query must be between 1 and 200 characters")
		}

		data, err := cacheStore.Read(ctx, "search:"+strings.ToLower(query), queryTTL, func(ctx context.Context) ([]byte, error) {
			results, err := store.Query(ctx, query, resultsLimit)
			if err != nil {
				return nil, err
			}
			return json.Marshal(results)
		})
		if err != nil {
			log.WithError(err).Error("search query failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error searching posts")
		}
		return c.JSONBlob(http.StatusOK, data)
	}
}
