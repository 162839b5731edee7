package session

import (
	"context"
	"testing"
	"time"
)

func TestRepository_SaveGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	if _, ok, err := repo.Get(ctx, "s1"); ok || err != nil {
		t.Fatalf("expected unknown id, ok=%v err=%v", ok, err)
	}

	if err := repo.Save(ctx, Snapshot{ID: "s1", URL: "http://a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok, err := repo.Get(ctx, "s1")
	if err != nil || !ok || got.URL != "http://a" {
		t.Errorf("Get: ok=%v err=%v got %+v", ok, err, got)
	}
}

func TestRepository_List_oldest_first(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = repo.Save(ctx, Snapshot{ID: "c", StartedAt: base.Add(2 * time.Second)})
	_ = repo.Save(ctx, Snapshot{ID: "b", StartedAt: base})
	_ = repo.Save(ctx, Snapshot{ID: "a", StartedAt: base})

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 || list[0].ID != "a" || list[1].ID != "b" || list[2].ID != "c" {
		t.Errorf("expected a, b, c got %+v", list)
	}
}

func TestRepository_Remove(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	_ = repo.Save(ctx, Snapshot{ID: "a"})
	if err := repo.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := repo.Remove(ctx, "a"); err != nil {
		t.Errorf("Remove of unknown id should be a no-op: %v", err)
	}
	if _, ok, _ := repo.Get(ctx, "a"); ok {
		t.Error("removed snapshot still present")
	}
}
