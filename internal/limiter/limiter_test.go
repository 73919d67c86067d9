package limiter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"pulse/internal/health"
)

func newRedisLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	state := health.NewState("counter store")
	return New(NewRedisStore(client, state), state), mr
}

func TestCheckRejectsBeyondLimitAndResets(t *testing.T) {
	l, mr := newRedisLimiter(t)
	tier := Tier{Name: "strict", Limit: 3, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := l.Check(ctx, "1.2.3.4", tier); !d.Allowed {
			t.Fatalf("request %d unexpectedly rejected", i+1)
		}
	}

	d := l.Check(ctx, "1.2.3.4", tier)
	if d.Allowed {
		t.Fatal("request beyond limit was allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry hint: %v", d.RetryAfter)
	}

	// Another client is unaffected.
	if d := l.Check(ctx, "5.6.7.8", tier); !d.Allowed {
		t.Fatal("unrelated client rejected")
	}

	mr.FastForward(time.Minute + time.Second)
	if d := l.Check(ctx, "1.2.3.4", tier); !d.Allowed {
		t.Fatal("request after window reset rejected")
	}
}

func TestCheckFallsBackWhenStoreUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	state := health.NewState("counter store")
	l := New(NewRedisStore(client, state), state)
	tier := Tier{Name: "strict", Limit: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d := l.Check(ctx, "client", tier); !d.Allowed {
			t.Fatalf("request %d rejected during fallback", i+1)
		}
	}
	if d := l.Check(ctx, "client", tier); d.Allowed {
		t.Fatal("local fallback did not enforce the limit")
	}
	if state.Healthy() {
		t.Fatal("store should have been marked down")
	}
}

func TestMemoryWindowReset(t *testing.T) {
	m := newMemoryStore()
	now := time.Now()
	m.now = func() time.Time { return now }
	tier := Tier{Name: "strict", Limit: 1, Window: time.Minute}

	if d := m.check("c", tier); !d.Allowed {
		t.Fatal("first request rejected")
	}
	d := m.check("c", tier)
	if d.Allowed {
		t.Fatal("second request allowed")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry hint: %v", d.RetryAfter)
	}

	now = now.Add(time.Minute + time.Second)
	if d := m.check("c", tier); !d.Allowed {
		t.Fatal("request after reset rejected")
	}
}

func TestMemoryBurstBucket(t *testing.T) {
	m := newMemoryStore()
	tier := Tier{Name: "burst", Limit: 5, Window: time.Second}

	for i := 0; i < 5; i++ {
		if d := m.check("c", tier); !d.Allowed {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	if d := m.check("c", tier); d.Allowed {
		t.Fatal("burst exhausted but request allowed")
	}
}

func TestMemoryPrunesExpiredWindows(t *testing.T) {
	m := newMemoryStore()
	now := time.Now()
	m.now = func() time.Time { return now }
	tier := Tier{Name: "strict", Limit: 100, Window: 15 * time.Minute}

	for i := 0; i < maxIdleClients; i++ {
		m.check("client-"+strconv.Itoa(i), tier)
	}
	if got := len(m.windows); got != maxIdleClients {
		t.Fatalf("expected %d windows, got %d", maxIdleClients, got)
	}

	// All windows expire; the next new client must trigger pruning.
	now = now.Add(tier.Window + time.Second)
	m.check("fresh-client", tier)

	if got := len(m.windows); got != 1 {
		t.Fatalf("windows map not pruned: %d entries", got)
	}
}

func TestMiddlewareRejectionBody(t *testing.T) {
	l, _ := newRedisLimiter(t)
	tier := Tier{Name: "strict", Limit: 1, Window: time.Minute}

	e := echo.New()
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		Middleware(l, tier, func(echo.Context) string { return "fixed" }))

	first := httptest.NewRecorder()
	e.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}

	second := httptest.NewRecorder()
	e.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After header")
	}

	var body struct {
		Success    bool   `json:"success"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retryAfter"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success {
		t.Fatal("rejection body reports success")
	}
	if body.RetryAfter < 1 {
		t.Fatalf("retryAfter = %d", body.RetryAfter)
	}
}
