// Package events applies post lifecycle events to the search service's
// derived store. Delivery is at-least-once, so both appliers are idempotent:
// creation upserts by post id and deletion tolerates an absent record.
package events

import (
	"context"

	log "github.com/sirupsen/logrus"

	"pulse/internal/eventbus"
	"pulse/internal/search/storage"
)

// Store is the slice of search storage the appliers need.
type Store interface {
	Upsert(ctx context.Context, r storage.Record) error
	DeleteByPostID(ctx context.Context, postID string) error
}

// Invalidator drops cached query results after the derived store changes.
type Invalidator interface {
	InvalidatePattern(ctx context.Context, pattern string) error
}

// HandlePostCreated projects a new post into the search store.
func HandlePostCreated(store Store, inv Invalidator) eventbus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := eventbus.Decode[eventbus.PostCreated](body)
		if err != nil {
			return err
		}
		if err := store.Upsert(ctx, storage.Record{
			PostID:    ev.PostID,
			UserID:    ev.UserID,
			Content:   ev.Content,
			CreatedAt: ev.CreatedAt,
		}); err != nil {
			return err
		}
		invalidateQueries(ctx, inv)
		log.Debugf("search record upserted for post %s", ev.PostID)
		return nil
	}
}

// HandlePostDeleted removes the projection for a deleted post.
func HandlePostDeleted(store Store, inv Invalidator) eventbus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := eventbus.Decode[eventbus.PostDeleted](body)
		if err != nil {
			return err
		}
		if err := store.DeleteByPostID(ctx, ev.PostID); err != nil {
			return err
		}
		invalidateQueries(ctx, inv)
		log.Debugf("search record deleted for post %s", ev.PostID)
		return nil
	}
}

func invalidateQueries(ctx context.Context, inv Invalidator) {
	if inv == nil {
		return
	}
	if err := inv.InvalidatePattern(ctx, "search:*"); err != nil {
		log.WithError(err).Warn("search cache invalidation failed, entries expire by TTL")
	}
}
