// Package api exposes the post service's HTTP surface: feed reads through
// the cache, mutations through the write/invalidate/publish path.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pulse/internal/auth"
	"pulse/internal/eventbus"
	"pulse/internal/httpx"
	"pulse/internal/posts/domain"
	"pulse/internal/posts/storage"
)

const (
	maxBodySize    = 64 * 1024
	maxContentSize = 5000
)

// Store abstracts persistence for handlers. The production value is the
// cache-wrapped storage, so every mutation here has already invalidated the
// affected cache entries by the time it returns.
type Store interface {
	Insert(ctx context.Context, p domain.Post) error
	GetByID(ctx context.Context, id string) (domain.Post, error)
	ListPage(ctx context.Context, page, limit int) (domain.Page, error)
	Delete(ctx context.Context, id string) (domain.Post, error)
}

// Publisher emits domain events after mutations commit.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// Register wires up the post routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, bus Publisher) {
	g := e.Group("/api/posts", auth.RequireUserHeader())
	g.POST("", createPost(store, bus))
	g.GET("", getAllPosts(store))
	g.GET("/:id", getPost(store))
	g.DELETE("/:id", deletePost(store, bus))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

type createPostRequest struct {
	Content  string   `json:"content"`
	MediaIDs []string `json:"mediaIds"`
}

type createPostResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	PostID  string `json:"postId"`
}

func createPost(store Store, bus Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		claims, _ := auth.UserFromContext(c)

		lr := io.LimitReader(c.Request().Body, maxBodySize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var req createPostRequest
		if err := dec.Decode(&req); err != nil {
			return httpx.Fail(c, http.StatusBadRequest, "invalid body")
		}
		if req.Content == "" || len(req.Content) > maxContentSize {
			return httpx.Fail(c, http.StatusBadRequest, "content must be between 1 and 5000 characters")
		}

		post := domain.Post{
			ID:        uuid.NewString(),
			UserID:    claims.UserID,
			Content:   req.Content,
			MediaIDs:  req.MediaIDs,
			CreatedAt: time.Now().UTC(),
		}
		if err := store.Insert(ctx, post); err != nil {
			log.WithError(err).Error("create post failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error creating post")
		}

		if err := bus.Publish(ctx, eventbus.PostCreatedKey, eventbus.PostCreated{
			PostID:    post.ID,
			UserID:    post.UserID,
			Content:   post.Content,
			CreatedAt: post.CreatedAt,
		}); err != nil {
			// The post is committed; the lost event is surfaced, not hidden.
			log.WithError(err).Error("post.created publish failed after commit")
			return httpx.Fail(c, http.StatusInternalServerError, "Post created but propagation failed")
		}

		return c.JSON(http.StatusCreated, createPostResponse{
			Success: true,
			Message: "Post created successfully",
			PostID:  post.ID,
		})
	}
}

func getAllPosts(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		page := queryInt(c, "page", 1)
		limit := queryInt(c, "limit", 10)
		if page < 1 || limit < 1 || limit > 100 {
			return httpx.Fail(c, http.StatusBadRequest, "invalid pagination parameters")
		}

		result, err := store.ListPage(ctx, page, limit)
		if err != nil {
			log.WithError(err).Error("fetch posts failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error fetching posts")
		}
		return c.JSON(http.StatusOK, result)
	}
}

func getPost(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		post, err := store.GetByID(ctx, c.Param("id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return httpx.Fail(c, http.StatusNotFound, "Post not found")
			}
			log.WithError(err).Error("fetch post failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error fetching post")
		}
		return c.JSON(http.StatusOK, post)
	}
}

func deletePost(store Store, bus Publisher) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		claims, _ := auth.UserFromContext(c)
		id := c.Param("id")

		post, err := store.Delete(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return httpx.Fail(c, http.StatusNotFound, "Post not found")
			}
			log.WithError(err).Error("delete post failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error deleting post")
		}

		if err := bus.Publish(ctx, eventbus.PostDeletedKey, eventbus.PostDeleted{
			PostID:   post.ID,
			UserID:   claims.UserID,
			MediaIDs: post.MediaIDs,
		}); err != nil {
			log.WithError(err).Error("post.deleted publish failed after commit")
			return httpx.Fail(c, http.StatusInternalServerError, "Post deleted but propagation failed")
		}

		return httpx.OK(c, http.StatusOK, "Post deleted successfully")
	}
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
