// Package events applies post lifecycle events to media storage. Delivery is
// at-least-once, so the applier tolerates records and blobs that are already
// gone and redeliveries become no-ops.
package events

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"pulse/internal/eventbus"
	"pulse/internal/media/storage"
)

// Store is the slice of media storage the applier needs.
type Store interface {
	GetByID(ctx context.Context, id string) (storage.Media, error)
	Delete(ctx context.Context, id string) error
}

// Blobs deletes binary payloads from the object store.
type Blobs interface {
	Delete(ctx context.Context, publicID string) error
}

// HandlePostDeleted removes the blobs and records of every media id the
// deleted post referenced. A failure on any id returns an error so the
// delivery is requeued; ids already cleaned up are skipped on retry.
func HandlePostDeleted(store Store, blobs Blobs) eventbus.Handler {
	return func(ctx context.Context, body []byte) error {
		ev, err := eventbus.Decode[eventbus.PostDeleted](body)
		if err != nil {
			return err
		}
		for _, id := range ev.MediaIDs {
			media, err := store.GetByID(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := blobs.Delete(ctx, media.PublicID); err != nil {
				return err
			}
			if err := store.Delete(ctx, id); err != nil {
				return err
			}
			log.Debugf("media %s deleted for post %s", id, ev.PostID)
		}
		return nil
	}
}
