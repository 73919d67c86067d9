// Package storage persists media records in a table store. The binary
// payloads themselves live in blob storage, rows only carry metadata.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// ErrNotFound is returned when the requested media record does not exist.
var ErrNotFound = errors.New("media not found")

const mediaPartition = "media"

// Media is a stored media record.
type Media struct {
	ID           string    `json:"id"`
	PublicID     string    `json:"publicId"`
	OriginalName string    `json:"originalName"`
	MimeType     string    `json:"mimeType"`
	URL          string    `json:"url"`
	UserID       string    `json:"userId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Storage provides access to the media table.
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

type mediaEntity struct {
	aztables.Entity
	PublicID     string `json:"PublicId"`
	OriginalName string `json:"OriginalName"`
	MimeType     string `json:"MimeType"`
	URL          string `json:"Url"`
	UserID       string `json:"UserId"`
	CreatedAt    int64  `json:"CreatedAt"`
}

func (e *mediaEntity) toDomain() Media {
	return Media{
		ID:           e.RowKey,
		PublicID:     e.PublicID,
		OriginalName: e.OriginalName,
		MimeType:     e.MimeType,
		URL:          e.URL,
		UserID:       e.UserID,
		CreatedAt:    time.Unix(0, e.CreatedAt).UTC(),
	}
}

// Insert stores a new media record.
func (s *Storage) Insert(ctx context.Context, m Media) error {
	ent := mediaEntity{
		Entity: aztables.Entity{
			PartitionKey: mediaPartition,
			RowKey:       m.ID,
		},
		PublicID:     m.PublicID,
		OriginalName: m.OriginalName,
		MimeType:     m.MimeType,
		URL:          m.URL,
		UserID:       m.UserID,
		CreatedAt:    m.CreatedAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return err
}

// GetByID fetches a single media record.
func (s *Storage) GetByID(ctx context.Context, id string) (Media, error) {
	resp, err := s.table.GetEntity(ctx, mediaPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return Media{}, ErrNotFound
		}
		return Media{}, err
	}
	var ent mediaEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return Media{}, err
	}
	return ent.toDomain(), nil
}

// ListByUser returns every media record owned by the given user.
func (s *Storage) ListByUser(ctx context.Context, userID string) ([]Media, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and UserId eq '%s'", mediaPartition, userID)
	pager := s.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	records := []Media{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent mediaEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			records = append(records, ent.toDomain())
		}
	}
	return records, nil
}

// Delete removes the media record. A missing row is not an error, so
// redelivered cleanup events stay no-ops.
func (s *Storage) Delete(ctx context.Context, id string) error {
	if _, err := s.table.DeleteEntity(ctx, mediaPartition, id, nil); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}
