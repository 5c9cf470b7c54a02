package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"voice-transcriber/internal/domain"
)

// openTestStore creates a store backed by a throwaway database file.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestSaveAndGetRoundTrip verifies a saved transcript comes back intact.
func TestSaveAndGetRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, Record{
		OwnerID:       "user-1",
		Filename:      "meeting.mp3",
		FileSize:      2048,
		Language:      "en",
		Transcription: "hello world",
		Details: domain.ProcessingDetails{
			OriginalFileSize: "2.0MB",
			ChunksProcessed:  3,
			ConversionUsed:   true,
			SplittingUsed:    true,
		},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == 0 {
		t.Fatal("save returned zero id")
	}

	rec, err := store.Get(ctx, id, "user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Transcription != "hello world" || rec.Filename != "meeting.mp3" {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Details.ChunksProcessed != 3 || !rec.Details.ConversionUsed {
		t.Fatalf("details = %+v", rec.Details)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatal("created_at not recorded")
	}
}

// TestGetEnforcesOwnership verifies another owner's id reads as not found.
func TestGetEnforcesOwnership(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, Record{OwnerID: "user-1", Filename: "a.mp3", Transcription: "x"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := store.Get(ctx, id, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign get error = %v, want ErrNotFound", err)
	}
}

// TestListByOwnerNewestFirst verifies ordering and scoping.
func TestListByOwnerNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"first.mp3", "second.mp3"} {
		if _, err := store.Save(ctx, Record{OwnerID: "user-1", Filename: name, Transcription: "x"}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	if _, err := store.Save(ctx, Record{OwnerID: "user-2", Filename: "other.mp3", Transcription: "x"}); err != nil {
		t.Fatalf("save foreign: %v", err)
	}

	records, err := store.ListByOwner(ctx, "user-1", 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Filename != "second.mp3" {
		t.Fatalf("first record = %s, want newest", records[0].Filename)
	}
}

// TestDeleteEnforcesOwnership verifies delete scoping and idempotence.
func TestDeleteEnforcesOwnership(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.Save(ctx, Record{OwnerID: "user-1", Filename: "a.mp3", Transcription: "x"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.Delete(ctx, id, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, id, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, id, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete error = %v, want ErrNotFound", err)
	}
}
