package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"pulse/internal/auth"
	"pulse/internal/identity/storage"
)

// fakeStore mimics the conflict and expiry semantics of the real table store.
type fakeStore struct {
	byUsername map[string]storage.User
	byID       map[string]storage.User
	refresh    map[string]storage.RefreshToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byUsername: make(map[string]storage.User),
		byID:       make(map[string]storage.User),
		refresh:    make(map[string]storage.RefreshToken),
	}
}

func (f *fakeStore) CreateUser(ctx context.Context, u storage.User) error {
	if _, ok := f.byUsername[u.Username]; ok {
		return storage.ErrConflict
	}
	f.byUsername[u.Username] = u
	f.byID[u.ID] = u
	return nil
}

func (f *fakeStore) GetUserByUsername(ctx context.Context, username string) (storage.User, error) {
	u, ok := f.byUsername[username]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (storage.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return storage.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) SaveRefreshToken(ctx context.Context, t storage.RefreshToken) error {
	f.refresh[t.Token] = t
	return nil
}

func (f *fakeStore) GetRefreshToken(ctx context.Context, token string) (storage.RefreshToken, error) {
	t, ok := f.refresh[token]
	if !ok || time.Now().After(t.ExpiresAt) {
		return storage.RefreshToken{}, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) DeleteRefreshToken(ctx context.Context, token string) error {
	delete(f.refresh, token)
	return nil
}

func newServer(store Store) *echo.Echo {
	e := echo.New()
	Register(e, store, auth.NewShared("test-secret", "pulse", time.Hour))
	return e
}

func post(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	e.ServeHTTP(rec, req)
	return rec
}

func decodeTokens(t *testing.T, rec *httptest.ResponseRecorder) tokenResponse {
	t.Helper()
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

func TestRegisterIssuesVerifiableToken(t *testing.T) {
	store := newFakeStore()
	e := newServer(store)

	rec := post(e, "/api/auth/register", `{"username":"alice","email":"a@example.com","password":"secret-pw"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeTokens(t, rec)
	if !resp.Success || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	a := auth.NewShared("test-secret", "pulse", time.Hour)
	claims, err := a.ClaimsFromAuthHeader("Bearer " + resp.AccessToken)
	if err != nil {
		t.Fatalf("verify issued token: %v", err)
	}
	if claims.UserID != resp.UserID || claims.Username != "alice" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	stored := store.byUsername["alice"]
	if stored.PasswordHash == "secret-pw" {
		t.Fatal("password stored in plaintext")
	}
	if bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("secret-pw")) != nil {
		t.Fatal("stored hash does not match password")
	}
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	e := newServer(newFakeStore())
	body := `{"username":"alice","email":"a@example.com","password":"secret-pw"}`
	if rec := post(e, "/api/auth/register", body); rec.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", rec.Code)
	}
	if rec := post(e, "/api/auth/register", body); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d", rec.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	e := newServer(newFakeStore())
	cases := []string{
		`{"username":"","password":"secret-pw"}`,
		`{"username":"alice","password":"short"}`,
		`{"username":"alice","password":"secret-pw","extra":true}`,
		`not json`,
	}
	for _, body := range cases {
		if rec := post(e, "/api/auth/register", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q status = %d", body, rec.Code)
		}
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	store := newFakeStore()
	e := newServer(store)
	post(e, "/api/auth/register", `{"username":"alice","password":"secret-pw"}`)

	if rec := post(e, "/api/auth/login", `{"username":"alice","password":"wrong-pw"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d", rec.Code)
	}
	if rec := post(e, "/api/auth/login", `{"username":"nobody","password":"secret-pw"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d", rec.Code)
	}
	if rec := post(e, "/api/auth/login", `{"username":"alice","password":"secret-pw"}`); rec.Code != http.StatusOK {
		t.Fatalf("valid login status = %d", rec.Code)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	store := newFakeStore()
	e := newServer(store)

	reg := decodeTokens(t, post(e, "/api/auth/register", `{"username":"alice","password":"secret-pw"}`))

	rec := post(e, "/api/auth/refresh", `{"refreshToken":"`+reg.RefreshToken+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh status = %d body=%s", rec.Code, rec.Body.String())
	}
	next := decodeTokens(t, rec)
	if next.RefreshToken == reg.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if next.UserID != reg.UserID {
		t.Fatalf("user changed across refresh: %s vs %s", next.UserID, reg.UserID)
	}

	// The rotated-out token is revoked.
	if rec := post(e, "/api/auth/refresh", `{"refreshToken":"`+reg.RefreshToken+`"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh status = %d", rec.Code)
	}
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	store := newFakeStore()
	store.byID["u1"] = storage.User{ID: "u1", Username: "alice"}
	store.refresh["stale"] = storage.RefreshToken{
		Token:     "stale",
		UserID:    "u1",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	e := newServer(store)

	if rec := post(e, "/api/auth/refresh", `{"refreshToken":"stale"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired refresh status = %d", rec.Code)
	}
}

func TestLogoutRevokesRefreshToken(t *testing.T) {
	store := newFakeStore()
	e := newServer(store)

	reg := decodeTokens(t, post(e, "/api/auth/register", `{"username":"alice","password":"secret-pw"}`))

	if rec := post(e, "/api/auth/logout", `{"refreshToken":"`+reg.RefreshToken+`"}`); rec.Code != http.StatusOK {
		t.Fatalf("logout status = %d", rec.Code)
	}
	if rec := post(e, "/api/auth/refresh", `{"refreshToken":"`+reg.RefreshToken+`"}`); rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout status = %d", rec.Code)
	}
}
