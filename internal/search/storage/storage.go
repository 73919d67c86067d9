// Package storage persists the search service's derived records, one per
// post, keyed by post id so event replays upsert instead of duplicating.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

const searchPartition = "post"

// Record is the searchable projection of a post.
type Record struct {
	PostID    string    `json:"postId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Storage provides access to the search records table.
type Storage struct {
	table *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tableName string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{table: svc.NewClient(tableName)}, nil
}

type searchEntity struct {
	aztables.Entity
	UserID    string `json:"UserId"`
	Content   string `json:"Content"`
	CreatedAt int64  `json:"CreatedAt"`
}

// Upsert writes the record keyed by post id. Re-applying the same event
// overwrites in place rather than duplicating.
func (s *Storage) Upsert(ctx context.Context, r Record) error {
	ent := searchEntity{
		Entity: aztables.Entity{
			PartitionKey: searchPartition,
			RowKey:       r.PostID,
		},
		UserID:    r.UserID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.UpsertEntity(ctx, payload, nil)
	return err
}

// DeleteByPostID removes the record. Deleting an absent record is success.
func (s *Storage) DeleteByPostID(ctx context.Context, postID string) error {
	_, err := s.table.DeleteEntity(ctx, searchPartition, postID, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Query scans the partition for records whose content contains the query,
// case-insensitive, capped at limit results.
func (s *Storage) Query(ctx context.Context, query string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(query)
	filter := fmt.Sprintf("PartitionKey eq '%s'", searchPartition)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	results := []Record{}
	for pager.More() && len(results) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent searchEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			if !strings.Contains(strings.ToLower(ent.Content), needle) {
				continue
			}
			results = append(results, Record{
				PostID:    ent.RowKey,
				UserID:    ent.UserID,
				Content:   ent.Content,
				CreatedAt: time.Unix(0, ent.CreatedAt).UTC(),
			})
			if len(results) == limit {
				break
			}
		}
	}
	return results, nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
