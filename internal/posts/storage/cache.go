package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"pulse/internal/cache"
	"pulse/internal/posts/domain"
)

type backend interface {
	Insert(ctx context.Context, p domain.Post) error
	GetByID(ctx context.Context, id string) (domain.Post, error)
	ListPage(ctx context.Context, page, limit int) (domain.Page, error)
	Delete(ctx context.Context, id string) (domain.Post, error)
}

// Cache wraps a Storage with read-through caching of feed pages and single
// posts. Mutations invalidate every entry the change could have staled
// before control returns to the caller, so the event publish that follows a
// mutation never races a pre-mutation cache entry.
type Cache struct {
	base     backend
	store    *cache.Store
	pageTTL  time.Duration
	entryTTL time.Duration
}

// NewCache layers the cache store over the backend.
func NewCache(base backend, store *cache.Store) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	return &Cache{
		base:     base,
		store:    store,
		pageTTL:  5 * time.Minute,
		entryTTL: 6 * time.Minute,
	}
}

func pageKey(page, limit int) string {
	return fmt.Sprintf("posts:%d:%d", page, limit)
}

func postKey(id string) string {
	return "post:" + id
}

func (c *Cache) ListPage(ctx context.Context, page, limit int) (domain.Page, error) {
	data, err := c.store.Read(ctx, pageKey(page, limit), c.pageTTL, func(ctx context.Context) ([]byte, error) {
		result, err := c.base.ListPage(ctx, page, limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return domain.Page{}, err
	}
	var result domain.Page
	if err := json.Unmarshal(data, &result); err != nil {
		return domain.Page{}, err
	}
	return result, nil
}

func (c *Cache) GetByID(ctx context.Context, id string) (domain.Post, error) {
	data, err := c.store.Read(ctx, postKey(id), c.entryTTL, func(ctx context.Context) ([]byte, error) {
		p, err := c.base.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return json.Marshal(p)
	})
	if err != nil {
		return domain.Post{}, err
	}
	var p domain.Post
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

func (c *Cache) Insert(ctx context.Context, p domain.Post) error {
	if err := c.base.Insert(ctx, p); err != nil {
		return err
	}
	c.invalidatePages(ctx)
	return nil
}

func (c *Cache) Delete(ctx context.Context, id string) (domain.Post, error) {
	p, err := c.base.Delete(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	if err := c.store.Invalidate(ctx, postKey(id)); err != nil {
		log.WithError(err).WithField("post", id).Error("post cache invalidation failed, entry expires by TTL")
	}
	c.invalidatePages(ctx)
	return p, nil
}

// invalidatePages drops every cached feed page. The mutation already
// committed, so a failed invalidation only extends staleness to the TTL and
// must not fail the request.
func (c *Cache) invalidatePages(ctx context.Context) {
	if err := c.store.InvalidatePattern(ctx, "posts:*"); err != nil {
		log.WithError(err).Error("feed cache invalidation failed, entries expire by TTL")
	}
}
