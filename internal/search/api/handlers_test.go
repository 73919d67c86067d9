package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"pulse/internal/auth"
	"pulse/internal/cache"
	"pulse/internal/search/storage"
)

type mockStore struct {
	results []storage.Record
	calls   int
}

func (m *mockStore) Query(ctx context.Context, query string, limit int) ([]storage.Record, error) {
	m.calls++
	return m.results, nil
}

func newServer(t *testing.T, store Store) *echo.Echo {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	e := echo.New()
	Register(e, store, cache.New(client))
	return e
}

func doSearch(e *echo.Echo, query string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/search?query="+query, nil)
	req.Header.Set(auth.HeaderUserID, "user-1")
	e.ServeHTTP(rec, req)
	return rec
}

func TestSearchReturnsMatches(t *testing.T) {
	store := &mockStore{results: []storage.Record{{PostID: "p1", Content: "hello world"}}}
	e := newServer(t, store)

	rec := doSearch(e, "hello")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var results []storage.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || results[0].PostID != "p1" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchCachesQueryResults(t *testing.T) {
	store := &mockStore{results: []storage.Record{{PostID: "p1", Content: "hello"}}}
	e := newServer(t, store)

	for i := 0; i < 2; i++ {
		if rec := doSearch(e, "hello"); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	if store.calls != 1 {
		t.Fatalf("store queried %d times, expected cache hit on second read", store.calls)
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	e := newServer(t, &mockStore{})
	rec := doSearch(e, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestSearchRequiresIdentity(t *testing.T) {
	e := newServer(t, &mockStore{})
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/search?query=x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}
