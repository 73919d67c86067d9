package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

// pagedTable serves scripted list responses so pager short-page behavior can
// be exercised. Only listing is scripted; inserts and deletes are unused.
type pagedTable struct {
	pages [][][]byte
}

func (p *pagedTable) AddEntity(ctx context.Context, entity []byte, options *aztables.AddEntityOptions) (aztables.AddEntityResponse, error) {
	return aztables.AddEntityResponse{}, nil
}

func (p *pagedTable) DeleteEntity(ctx context.Context, partitionKey, rowKey string, options *aztables.DeleteEntityOptions) (aztables.DeleteEntityResponse, error) {
	return aztables.DeleteEntityResponse{}, nil
}

func (p *pagedTable) NewListEntitiesPager(listOptions *aztables.ListEntitiesOptions) *runtime.Pager[aztables.ListEntitiesResponse] {
	i := 0
	return runtime.NewPager(runtime.PagingHandler[aztables.ListEntitiesResponse]{
		More: func(aztables.ListEntitiesResponse) bool {
			return i < len(p.pages)
		},
		Fetcher: func(ctx context.Context, _ *aztables.ListEntitiesResponse) (aztables.ListEntitiesResponse, error) {
			entities := p.pages[i]
			i++
			return aztables.ListEntitiesResponse{Entities: entities}, nil
		},
	})
}

func entityRow(t *testing.T, id string, createdAt time.Time) []byte {
	t.Helper()
	raw, err := json.Marshal(postEntity{
		Entity: aztables.Entity{
			PartitionKey: postsPartition,
			RowKey:       rowKey(id, createdAt),
		},
		ID:        id,
		UserID:    "u1",
		Content:   "post " + id,
		CreatedAt: createdAt.UnixNano(),
	})
	if err != nil {
		t.Fatalf("marshal entity: %v", err)
	}
	return raw
}

// The table service may return fewer rows per response than Top asks for.
// Page boundaries must follow row positions across responses, not the
// responses themselves.
func TestListPageSpansShortResponses(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := func(i int) []byte {
		return entityRow(t, []string{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}[i], base.Add(-time.Duration(i)*time.Minute))
	}
	ft := &pagedTable{pages: [][][]byte{
		{row(0), row(1), row(2)},
		{row(3), row(4)},
		{row(5), row(6)},
	}}
	s := &Storage{table: ft}

	result, err := s.ListPage(context.Background(), 2, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if result.TotalPosts != 7 || result.TotalPages != 3 {
		t.Fatalf("totals = %d posts / %d pages", result.TotalPosts, result.TotalPages)
	}
	if len(result.Posts) != 3 {
		t.Fatalf("page 2 holds %d posts", len(result.Posts))
	}
	for i, want := range []string{"p3", "p4", "p5"} {
		if result.Posts[i].ID != want {
			t.Fatalf("page 2 slot %d = %s, want %s", i, result.Posts[i].ID, want)
		}
	}
}

func TestListPageBeyondEndIsEmpty(t *testing.T) {
	base := time.Now().UTC()
	ft := &pagedTable{pages: [][][]byte{
		{entityRow(t, "p0", base), entityRow(t, "p1", base.Add(-time.Minute))},
	}}
	s := &Storage{table: ft}

	result, err := s.ListPage(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result.Posts) != 0 {
		t.Fatalf("expected empty page, got %d posts", len(result.Posts))
	}
	if result.TotalPosts != 2 || result.TotalPages != 1 {
		t.Fatalf("totals = %d posts / %d pages", result.TotalPosts, result.TotalPages)
	}
	if result.CurrentPage != 5 {
		t.Fatalf("current page = %d", result.CurrentPage)
	}
}
