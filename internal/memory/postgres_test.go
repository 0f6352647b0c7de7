package memory

import (
	"context"
	"os"
	"testing"
)

// postgresTestStore connects to MEMORYAGENT_TEST_DATABASE_URL. The table is
// truncated, so never point it at a database holding real memories.
func postgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("MEMORYAGENT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("MEMORYAGENT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.pool.Exec(ctx, `TRUNCATE memory_entries`); err != nil {
		t.Fatalf("truncate memory_entries: %v", err)
	}
	return store
}

func TestPostgresStoreRoundTripAndUpsert(t *testing.T) {
	ctx := context.Background()
	store := postgresTestStore(t)

	c, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load(empty) error = %v", err)
	}
	for _, content := range []string{"likes tea", "lives in Turin"} {
		if _, err := c.Create(Candidate{Type: TypePreference, Subject: SubjectUser, Content: content, Confidence: 0.6}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if err := store.Save(ctx, c); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want, got := c.All(), loaded.All()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Content != want[i].Content {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if _, _, err := loaded.Reinforce(want[0].ID, 0.9, "said it again"); err != nil {
		t.Fatalf("Reinforce() error = %v", err)
	}
	if err := store.Save(ctx, loaded); err != nil {
		t.Fatalf("Save(reinforced) error = %v", err)
	}
	again, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if again.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (upsert must not add rows)", again.Len())
	}
	e, err := again.Get(want[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Confidence != 0.9 || e.Strength != 2 {
		t.Fatalf("reinforced entry = %+v", e)
	}
}
