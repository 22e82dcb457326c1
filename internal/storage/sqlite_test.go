package storage

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

// TestMigrationsOrdered verifies migrations are applied in ascending numeric order.
func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}

	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

// TestIndexesExist verifies that the interaction indexes are created by the migration.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_interactions_created", "idx_interactions_thread"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

// TestSaveAndGetInteraction saves an interaction and retrieves it by ID.
func TestSaveAndGetInteraction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	want := Interaction{
		ID:           "int-001",
		CreatedAt:    now,
		UserID:       "user_1",
		Organization: "IntegralEd",
		AssistantID:  "asst_1",
		ThreadID:     "thread_1",
		RunID:        "run_1",
		Message:      "What is prenatal care?",
		Reply:        "Prenatal care is ...",
		Outcome:      "completed",
		HTTPStatus:   200,
		Duration:     1500 * time.Millisecond,
	}

	if err := s.SaveInteraction(ctx, want); err != nil {
		t.Fatalf("SaveInteraction: %v", err)
	}

	got, err := s.GetInteraction(ctx, "int-001")
	if err != nil {
		t.Fatalf("GetInteraction: %v", err)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	got.CreatedAt = want.CreatedAt
	if got != want {
		t.Errorf("GetInteraction = %+v\nwant %+v", got, want)
	}
}

// TestGetInteractionNotFound verifies that retrieving a non-existent ID returns ErrNotFound.
func TestGetInteractionNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetInteraction(context.Background(), "does-not-exist")
	if err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestSaveInteraction_RequiresID(t *testing.T) {
	s := openTestStore(t)
	if err := s.SaveInteraction(context.Background(), Interaction{Message: "hi"}); err == nil {
		t.Error("expected error for empty id")
	}
}

func TestSaveInteraction_DefaultsCreatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	if err := s.SaveInteraction(ctx, Interaction{ID: "int-now"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetInteraction(ctx, "int-now")
	if err != nil {
		t.Fatal(err)
	}
	if got.CreatedAt.Before(before) {
		t.Errorf("CreatedAt = %v, want about now", got.CreatedAt)
	}
}

func TestRecentInteractions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		err := s.SaveInteraction(ctx, Interaction{
			ID:        fmt.Sprintf("int-%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			Outcome:   "completed",
		})
		if err != nil {
			t.Fatalf("SaveInteraction(%d): %v", i, err)
		}
	}

	got, err := s.RecentInteractions(ctx, 3)
	if err != nil {
		t.Fatalf("RecentInteractions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"int-4", "int-3", "int-2"} {
		if got[i].ID != want {
			t.Errorf("got[%d].ID = %q, want %q", i, got[i].ID, want)
		}
	}
}

func TestThreadInteractions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	rows := []Interaction{
		{ID: "a", ThreadID: "thread_1", CreatedAt: base.Add(2 * time.Second)},
		{ID: "b", ThreadID: "thread_2", CreatedAt: base},
		{ID: "c", ThreadID: "thread_1", CreatedAt: base},
	}
	for _, r := range rows {
		if err := s.SaveInteraction(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ThreadInteractions(ctx, "thread_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("ThreadInteractions = %+v, want c then a", got)
	}
}

func TestOutcomeCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, outcome := range []string{"completed", "completed", "processing", "failed"} {
		if err := s.SaveInteraction(ctx, Interaction{ID: fmt.Sprintf("int-%d", i), Outcome: outcome}); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.OutcomeCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["completed"] != 2 || counts["processing"] != 1 || counts["failed"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
