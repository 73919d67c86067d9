// Package storage persists user accounts and refresh tokens. Username
// uniqueness rides on the table store's insert conflict: each account writes
// an index row keyed by username, and a duplicate insert fails with 409.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

var (
	// ErrNotFound is returned when the requested user or token does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the username is already taken.
	ErrConflict = errors.New("username already taken")
)

const (
	usersPartition    = "user"
	usernamePartition = "username"
	refreshPartition  = "refresh"
)

// User is a stored account. PasswordHash is a bcrypt hash, never the
// plaintext password.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// RefreshToken is an opaque token row granting one access-token refresh
// rotation until it expires.
type RefreshToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// table is the slice of the aztables client this store uses, extracted so
// tests can exercise the two-row insert sequence without a table service.
type table interface {
	AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error)
	GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error)
	DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error)
}

// Storage provides access to the users table.
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

type userEntity struct {
	aztables.Entity
	ID           string `json:"Id"`
	Username     string `json:"Username"`
	Email        string `json:"Email"`
	PasswordHash string `json:"PasswordHash"`
	CreatedAt    int64  `json:"CreatedAt"`
}

type refreshEntity struct {
	aztables.Entity
	UserID    string `json:"UserId"`
	ExpiresAt int64  `json:"ExpiresAt"`
}

func (e *userEntity) toDomain() User {
	return User{
		ID:           e.ID,
		Username:     e.Username,
		Email:        e.Email,
		PasswordHash: e.PasswordHash,
		CreatedAt:    time.Unix(0, e.CreatedAt).UTC(),
	}
}

// CreateUser inserts the account plus its username index row. Returns
// ErrConflict if the username is taken.
func (s *Storage) CreateUser(ctx context.Context, u User) error {
	index := userEntity{
		Entity: aztables.Entity{
			PartitionKey: usernamePartition,
			RowKey:       u.Username,
		},
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt.UnixNano(),
	}
	payload, err := json.Marshal(index)
	if err != nil {
		return err
	}
	if _, err := s.table.AddEntity(ctx, payload, nil); err != nil {
		if isConflict(err) {
			return ErrConflict
		}
		return err
	}

	primary := index
	primary.Entity = aztables.Entity{PartitionKey: usersPartition, RowKey: u.ID}
	payload, err = json.Marshal(primary)
	if err == nil {
		_, err = s.table.AddEntity(ctx, payload, nil)
	}
	if err != nil {
		// Release the username so a failed registration can be retried
		// instead of reserving the name forever.
		if _, delErr := s.table.DeleteEntity(ctx, usernamePartition, u.Username, nil); delErr != nil && !isNotFound(delErr) {
			return errors.Join(err, delErr)
		}
		return err
	}
	return nil
}

// GetUserByUsername fetches an account through the username index.
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (User, error) {
	resp, err := s.table.GetEntity(ctx, usernamePartition, username, nil)
	if err != nil {
		if isNotFound(err) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return User{}, err
	}
	return ent.toDomain(), nil
}

// GetUserByID fetches an account by id.
func (s *Storage) GetUserByID(ctx context.Context, id string) (User, error) {
	resp, err := s.table.GetEntity(ctx, usersPartition, id, nil)
	if err != nil {
		if isNotFound(err) {
			return User{}, ErrNotFound
		}
		return User{}, err
	}
	var ent userEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return User{}, err
	}
	return ent.toDomain(), nil
}

// SaveRefreshToken stores a freshly issued refresh token.
func (s *Storage) SaveRefreshToken(ctx context.Context, t RefreshToken) error {
	ent := refreshEntity{
		Entity: aztables.Entity{
			PartitionKey: refreshPartition,
			RowKey:       t.Token,
		},
		UserID:    t.UserID,
		ExpiresAt: t.ExpiresAt.UnixNano(),
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.table.AddEntity(ctx, payload, nil)
	return err
}

// GetRefreshToken looks up a refresh token. Expired tokens are reported as
// missing.
func (s *Storage) GetRefreshToken(ctx context.Context, token string) (RefreshToken, error) {
	resp, err := s.table.GetEntity(ctx, refreshPartition, token, nil)
	if err != nil {
		if isNotFound(err) {
			return RefreshToken{}, ErrNotFound
		}
		return RefreshToken{}, err
	}
	var ent refreshEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return RefreshToken{}, err
	}
	rt := RefreshToken{
		Token:     ent.RowKey,
		UserID:    ent.UserID,
		ExpiresAt: time.Unix(0, ent.ExpiresAt).UTC(),
	}
	if time.Now().After(rt.ExpiresAt) {
		return RefreshToken{}, ErrNotFound
	}
	return rt, nil
}

// DeleteRefreshToken revokes a refresh token. A missing row is not an error.
func (s *Storage) DeleteRefreshToken(ctx context.Context, token string) error {
	if _, err := s.table.DeleteEntity(ctx, refreshPartition, token, nil); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 409
}
