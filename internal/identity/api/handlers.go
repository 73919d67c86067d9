// Package api exposes the identity service's HTTP surface: registration,
// login, refresh-token rotation and logout.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"pulse/internal/httpx"
	"pulse/internal/identity/storage"
)

const (
	maxBodySize     = 16 * 1024
	minPasswordLen  = 8
	maxUsernameLen  = 50
	refreshTokenTTL = 7 * 24 * time.Hour
)

// Store abstracts account persistence for handlers.
type Store interface {
	CreateUser(ctx context.Context, u storage.User) error
	GetUserByUsername(ctx context.Context, username string) (storage.User, error)
	GetUserByID(ctx context.Context, id string) (storage.User, error)
	SaveRefreshToken(ctx context.Context, t storage.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (storage.RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, token string) error
}

// Issuer signs access tokens for authenticated users.
type Issuer interface {
	Issue(userID, username string) (string, error)
}

// Register wires up the identity routes on the provided Echo instance.
func Register(e *echo.Echo, store Store, issuer Issuer) {
	g := e.Group("/api/auth")
	g.POST("/register", registerUser(store, issuer))
	g.POST("/login", loginUser(store, issuer))
	g.POST("/refresh", refreshToken(store, issuer))
	g.POST("/logout", logoutUser(store))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

type credentialsRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func decodeBody(c echo.Context, dst any) error {
	lr := io.LimitReader(c.Request().Body, maxBodySize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func registerUser(store Store, issuer Issuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var req credentialsRequest
		if err := decodeBody(c, &req); err != nil {
			return httpx.Fail(c, http.StatusBadRequest, "invalid body")
		}
		if req.Username == "" || len(req.Username) > maxUsernameLen {
			return httpx.Fail(c, http.StatusBadRequest, "username must be between 1 and 50 characters")
		}
		if len(req.Password) < minPasswordLen {
			return httpx.Fail(c, http.StatusBadRequest, "password must be at least 8 characters")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			log.WithError(err).Error("password hash failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Registration failed")
		}

		user := storage.User{
			ID:           uuid.NewString(),
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: string(hash),
			CreatedAt:    time.Now().UTC(),
		}
		if err := store.CreateUser(ctx, user); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return httpx.Fail(c, http.StatusConflict, "Username already taken")
			}
			log.WithError(err).Error("create user failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Registration failed")
		}

		return issueTokens(c, store, issuer, user, http.StatusCreated, "User registered successfully")
	}
}

func loginUser(store Store, issuer Issuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var req credentialsRequest
		if err := decodeBody(c, &req); err != nil {
			return httpx.Fail(c, http.StatusBadRequest, "invalid body")
		}

		user, err := store.GetUserByUsername(ctx, req.Username)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return httpx.Fail(c, http.StatusUnauthorized, "Invalid credentials")
			}
			log.WithError(err).Error("lookup user failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Login failed")
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			return httpx.Fail(c, http.StatusUnauthorized, "Invalid credentials")
		}

		return issueTokens(c, store, issuer, user, http.StatusOK, "Login successful")
	}
}

func refreshToken(store Store, issuer Issuer) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var req refreshRequest
		if err := decodeBody(c, &req); err != nil || req.RefreshToken == "" {
			return httpx.Fail(c, http.StatusBadRequest, "Refresh token missing")
		}

		stored, err := store.GetRefreshToken(ctx, req.RefreshToken)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return httpx.Fail(c, http.StatusUnauthorized, "Invalid or expired refresh token")
			}
			log.WithError(err).Error("lookup refresh token failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Refresh failed")
		}

		user, err := store.GetUserByID(ctx, stored.UserID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return httpx.Fail(c, http.StatusUnauthorized, "Invalid or expired refresh token")
			}
			log.WithError(err).Error("lookup user failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Refresh failed")
		}

		// The old token is revoked before the new pair is issued so a
		// captured token cannot be replayed.
		if err := store.DeleteRefreshToken(ctx, stored.Token); err != nil {
			log.WithError(err).Error("revoke refresh token failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Refresh failed")
		}

		return issueTokens(c, store, issuer, user, http.StatusOK, "Token refreshed successfully")
	}
}

func logoutUser(store Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		var req refreshRequest
		if err := decodeBody(c, &req); err != nil || req.RefreshToken == "" {
			return httpx.Fail(c, http.StatusBadRequest, "Refresh token missing")
		}
		if err := store.DeleteRefreshToken(ctx, req.RefreshToken); err != nil {
			log.WithError(err).Error("revoke refresh token failed")
			return httpx.Fail(c, http.StatusInternalServerError, "Logout failed")
		}
		return httpx.OK(c, http.StatusOK, "Logged out successfully")
	}
}

func issueTokens(c echo.Context, store Store, issuer Issuer, user storage.User, status int, message string) error {
	ctx := c.Request().Context()

	access, err := issuer.Issue(user.ID, user.Username)
	if err != nil {
		log.WithError(err).Error("sign access token failed")
		return httpx.Fail(c, http.StatusInternalServerError, "Token issuance failed")
	}
	refresh, err := newRefreshToken()
	if err != nil {
		log.WithError(err).Error("generate refresh token failed")
		return httpx.Fail(c, http.StatusInternalServerError, "Token issuance failed")
	}
	if err := store.SaveRefreshToken(ctx, storage.RefreshToken{
		Token:     refresh,
		UserID:    user.ID,
		ExpiresAt: time.Now().UTC().Add(refreshTokenTTL),
	}); err != nil {
		log.WithError(err).Error("save refresh token failed")
		return httpx.Fail(c, http.StatusInternalServerError, "Token issuance failed")
	}

	return c.JSON(status, tokenResponse{
		Success:      true,
		Message:      message,
		UserID:       user.ID,
		AccessToken:  access,
		RefreshToken: refresh,
	})
}

func newRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
