// Package api exposes the media service's HTTP surface: multipart uploads
// into blob storage plus per-user listings of the recorded metadata.
package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"pulse/internal/auth"
	"pulse/internal/httpx"
	"pulse/internal/media/storage"
)

const maxUploadSize = 5 * 1024 * 1024

// Store abstracts media metadata persistence for handlers.
type Store interface {
	Insert(ctx context.Context, m storage.Media) error
	ListByUser(ctx context.Context, userID string) ([]storage.Media, error)
}

// Blobs abstracts the binary payload store.
type Blobs interface {
	Upload(ctx context.Context, data []byte, contentType string) (publicID, url string, err error)
}

// Register wires up the media routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, blobs Blobs) {
	g := e.Group("/api/media", auth.RequireUserHeader())
	g.POST("/upload", uploadMedia(store, blobs))
	g.GET("", getAllMedia(store))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

type uploadResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	MediaID string `json:"mediaId"`
	URL     string `json:"url"`
}

func uploadMedia(store Store, blobs Blobs) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		claims, _ := auth.UserFromContext(c)

		fh, err := c.FormFile("file")
		if err != nil {
			return httpx.Fail(c, http.StatusBadRequest, "No file found. Please add a file and try again")
		}
		if fh.Size > maxUploadSize {
			return httpx.Fail(c, http.StatusBadRequest, "File too large")
		}

		src, err := fh.Open()
		if err != nil {
			log.WithError(err).Error("open upload failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error uploading media")
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, maxUploadSize))
		if err != nil {
			log.WithError(err).Error("read upload failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error uploading media")
		}

		contentType := fh.Header.Get(echo.HeaderContentType)
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		publicID, url, err := blobs.Upload(ctx, data, contentType)
		if err != nil {
			log.WithError(err).Error("blob upload failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error uploading media")
		}

		media := storage.Media{
			ID:           uuid.NewString(),
			PublicID:     publicID,
			OriginalName: fh.Filename,
			MimeType:     contentType,
			URL:          url,
			UserID:       claims.UserID,
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.Insert(ctx, media); err != nil {
			log.WithError(err).Error("insert media record failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error uploading media")
		}

		return c.JSON(http.StatusCreated, uploadResponse{
			Success: true,
			Message: "Media uploaded successfully",
			MediaID: media.ID,
			URL:     media.URL,
		})
	}
}

func getAllMedia(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		claims, _ := auth.UserFromContext(c)

		records, err := store.ListByUser(ctx, claims.UserID)
		if err != nil {
			log.WithError(err).Error("fetch media failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Error fetching media")
		}
		return c.JSON(http.StatusOK, records)
	}
}
