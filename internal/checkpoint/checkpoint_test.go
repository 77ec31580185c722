package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open() = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{
		SessionID:     "session-a",
		DirectionIDs:  []uint32{1, 2},
		RxHighWaters:  map[uint32]uint64{1: 1000, 2: 2000},
		InstalledAtMS: 123456789,
	}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	got, err := s.Load(ctx, "session-a")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got.SessionID != rec.SessionID || got.InstalledAtMS != rec.InstalledAtMS {
		t.Errorf("Load() = %+v, want %+v", got, rec)
	}
	if got.RxHighWaters[1] != 1000 || got.RxHighWaters[2] != 2000 {
		t.Errorf("RxHighWaters = %+v", got.RxHighWaters)
	}
}

func TestSaveUpsertsExistingSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{SessionID: "session-b", RxHighWaters: map[uint32]uint64{1: 5}}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	rec.RxHighWaters = map[uint32]uint64{1: 50}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() (update) = %v", err)
	}

	got, err := s.Load(ctx, "session-b")
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if got.RxHighWaters[1] != 50 {
		t.Errorf("RxHighWaters[1] = %d, want 50 after upsert", got.RxHighWaters[1])
	}
}

func TestLoadMissingSessionReturnsNoRows(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), "does-not-exist")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Load() = %v, want sql.ErrNoRows", err)
	}
}

func TestDeleteRemovesCheckpoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{SessionID: "session-c"}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() = %v", err)
	}
	if err := s.Delete(ctx, "session-c"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}
	if _, err := s.Load(ctx, "session-c"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("Load() after delete = %v, want sql.ErrNoRows", err)
	}
}

func TestLoadSurvivesReopen(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := Record{SessionID: "session-d", DirectionIDs: []uint32{7}, RxHighWaters: map[uint32]uint64{7: 42}}
	if err := s.Save(ctx, rec); err != nil {
		t.Fatalf("Save() = %v", err)
	}

	reopened, err := Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open() (reopen) = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Load(ctx, "session-d")
	if err != nil {
		t.Fatalf("Load() (reopen) = %v", err)
	}
	if got.RxHighWaters[7] != 42 {
		t.Errorf("RxHighWaters[7] = %d, want 42 after reopen", got.RxHighWaters[7])
	}
}
