package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func entry(id string, created time.Time) Entry {
	return Entry{ID: id, Name: "Recording " + id, Date: created.Format("2006-01-02 15:04:05"), Status: "complete", CreatedAt: created}
}

func TestUpsertAndList(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := c.Upsert(ctx, entry(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Upsert(%s) = %v", id, err)
		}
	}
	renamed := entry("a", base)
	renamed.Name = "Standup"
	renamed.Duration = "PT5M"
	if err := c.Upsert(ctx, renamed); err != nil {
		t.Fatalf("Upsert(renamed) = %v", err)
	}

	got, err := c.List(ctx)
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(got))
	}
	if got[0].ID != "c" || got[2].ID != "a" {
		t.Errorf("order = %s %s %s, want c b a", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[2].Name != "Standup" || got[2].Duration != "PT5M" {
		t.Errorf("upserted entry = %+v", got[2])
	}
	if !got[2].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got[2].CreatedAt, base)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)
	_ = c.Upsert(ctx, entry("a", time.Now()))

	if err := c.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if err := c.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
	if got, _ := c.List(ctx); len(got) != 0 {
		t.Errorf("List() after delete = %v", got)
	}
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	c := openTest(t)
	now := time.Now()
	_ = c.Upsert(ctx, entry("stale", now))

	if err := c.Replace(ctx, []Entry{entry("x", now), entry("y", now.Add(time.Second))}); err != nil {
		t.Fatalf("Replace() = %v", err)
	}
	got, _ := c.List(ctx)
	if len(got) != 2 || got[0].ID != "y" || got[1].ID != "x" {
		t.Errorf("List() after Replace = %v", got)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.sqlite")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%s) = %v", path, err)
	}
	_ = c.Upsert(context.Background(), entry("persisted", time.Now()))
	c.Close()

	c, err = Open(path)
	if err != nil {
		t.Fatalf("reopen = %v", err)
	}
	defer c.Close()
	if got, _ := c.List(context.Background()); len(got) != 1 || got[0].ID != "persisted" {
		t.Errorf("List() after reopen = %v", got)
	}
}
