// Package storage persists posts in a table store and layers the read
// cache in front of it.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"pulse/internal/posts/domain"
)

// ErrNotFound is returned when the requested post does not exist.
var ErrNotFound = errors.New("post not found")

const postsPartition = "post"

// table is the slice of the aztables client this store uses, extracted so
// tests can script pager behavior without a table service.
type table interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
	NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse]
}

// Storage provides access to the posts table.
type Storage struct {
	table table
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

type postEntity struct {
	aztables.Entity
	ID        string `json:"Id"`
	UserID    string `json:"UserId"`
	Content   string `json:"Content"`
	MediaIDs  string `json:"MediaIds"`
	CreatedAt int64  `json:"CreatedAt"`
}

// rowKey orders the partition newest-first: table scans return rows in key
// order, so the key starts with the inverted creation timestamp.
func rowKey(id string, createdAt time.Time) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-createdAt.UnixNano(), id)
}

func encodeMediaIDs(ids []string) string {
	return strings.Join(ids, ",")
}

func decodeMediaIDs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (e *postEntity) toDomain() domain.Post {
	return domain.Post{
		ID:        e.ID,
		UserID:    e.UserID,
		Content:   e.Content,
		MediaIDs:  decodeMediaIDs(e.MediaIDs),
		CreatedAt: time.Unix(0, e.CreatedAt).UTC(),
	}
}

// Insert stores a new post.
func (s *Storage) Insert(ctx context.Context, p domain.Post) error {
	ent := postEntity{
		Entity: aztables.Entity{
			PartitionKey: postsPartition,
			RowKey:       rowKey(p.ID, p.CreatedAt),
		},
		ID:        p.ID,
		UserID:    p.UserID,
		Content:   p.Content,
		MediaIDs:  encodeMediaIDs(p.MediaIDs),
		CreatedAt: p.CreatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return err
}

func (s *Storage) findEntity(ctx context.Context, id string) (*postEntity, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Id eq '%s'", postsPartition, id)
	top := int32(1)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent postEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			return &ent, nil
		}
	}
	return nil, ErrNotFound
}

// GetByID fetches a single post.
func (s *Storage) GetByID(ctx context.Context, id string) (domain.Post, error) {
	ent, err := s.findEntity(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	return ent.toDomain(), nil
}

// ListPage returns the requested feed page, newest first, together with the
// total counts clients use for pagination controls. The service may return
// short responses regardless of Top, so rows are assigned to pages by their
// position in the scan, never by response boundaries.
func (s *Storage) ListPage(ctx context.Context, page, limit int) (domain.Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	filter := fmt.Sprintf("PartitionKey eq '%s'", postsPartition)
	top := int32(limit)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})

	posts := []domain.Post{}
	start := (page - 1) * limit
	total := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Page{}, err
		}
		for _, raw := range resp.Entities {
			idx := total
			total++
			if idx < start || idx >= start+limit {
				continue
			}
			var ent postEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Page{}, err
			}
			posts = append(posts, ent.toDomain())
		}
	}
	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return domain.Page{
		Posts:       posts,
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalPosts:  total,
	}, nil
}

// Delete removes the post and returns it so the caller can publish the
// media ids it referenced.
func (s *Storage) Delete(ctx context.Context, id string) (domain.Post, error) {
	ent, err := s.findEntity(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	if _, err := s.table.DeleteEntity(ctx, ent.PartitionKey, ent.RowKey, nil); err != nil && !isNotFound(err) {
		return domain.Post{}, err
	}
	return ent.toDomain(), nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
