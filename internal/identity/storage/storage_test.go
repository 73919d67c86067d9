package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// fakeTable mimics the table service's insert-conflict and missing-row
// behavior. addErr, when set, fails inserts into the given partition once.
type fakeTable struct {
	rows          map[string][]byte
	addErr        error
	addErrOn      string
	deletedKeys   []string
	entityPayload func(entity []byte) (pk, rk string)
}

func newFakeTable(t *testing.T) *fakeTable {
	t.Helper()
	return &fakeTable{
		rows: make(map[string][]byte),
		entityPayload: func(entity []byte) (string, string) {
			var ent struct {
				PartitionKey string `json:"PartitionKey"`
				RowKey       string `json:"RowKey"`
			}
			if err := json.Unmarshal(entity, &ent); err != nil {
				t.Fatalf("decode entity: %v", err)
			}
			return ent.PartitionKey, ent.RowKey
		},
	}
}

func (f *fakeTable) AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	pk, rk := f.entityPayload(entity)
	if f.addErr != nil && pk == f.addErrOn {
		err := f.addErr
		f.addErr = nil
		return aztables.AddEntityResponse{}, err
	}
	key := pk + "/" + rk
	if _, ok := f.rows[key]; ok {
		return aztables.AddEntityResponse{}, &azcore.ResponseError{StatusCode: 409}
	}
	f.rows[key] = entity
	return aztables.AddEntityResponse{}, nil
}

func (f *fakeTable) GetEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.GetEntityOptions) (aztables.GetEntityResponse, error) {
	row, ok := f.rows[partitionKey+"/"+rowKey]
	if !ok {
		return aztables.GetEntityResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	return aztables.GetEntityResponse{Value: row}, nil
}

func (f *fakeTable) DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	key := partitionKey + "/" + rowKey
	if _, ok := f.rows[key]; !ok {
		return aztables.DeleteEntityResponse{}, &azcore.ResponseError{StatusCode: 404}
	}
	delete(f.rows, key)
	f.deletedKeys = append(f.deletedKeys, key)
	return aztables.DeleteEntityResponse{}, nil
}

func testUser(id, username string) User {
	return User{
		ID:           id,
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "$2a$10$hash",
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateUserStoresBothRows(t *testing.T) {
	ft := newFakeTable(t)
	s := &Storage{table: ft}

	if err := s.CreateUser(context.Background(), testUser("u1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}

	byName, err := s.GetUserByUsername(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	byID, err := s.GetUserByID(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byName.ID != "u1" || byID.Username != "alice" {
		t.Fatalf("rows disagree: %+v vs %+v", byName, byID)
	}
}

func TestCreateUserConflictsOnTakenUsername(t *testing.T) {
	ft := newFakeTable(t)
	s := &Storage{table: ft}

	if err := s.CreateUser(context.Background(), testUser("u1", "alice")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateUser(context.Background(), testUser("u2", "alice"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateUserReleasesUsernameOnPrimaryInsertFailure(t *testing.T) {
	ft := newFakeTable(t)
	ft.addErr = errors.New("table service unreachable")
	ft.addErrOn = usersPartition
	s := &Storage{table: ft}

	if err := s.CreateUser(context.Background(), testUser("u1", "alice")); err == nil {
		t.Fatal("partial insert reported success")
	}
	if _, err := s.GetUserByUsername(context.Background(), "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("username index row survived the failed insert: %v", err)
	}

	// The name is free again, so the client can simply retry.
	if err := s.CreateUser(context.Background(), testUser("u1", "alice")); err != nil {
		t.Fatalf("retry after failed insert: %v", err)
	}
	if _, err := s.GetUserByID(context.Background(), "u1"); err != nil {
		t.Fatalf("retried account not reachable by id: %v", err)
	}
}
