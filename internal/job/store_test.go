package job

import (
	"errors"
	"testing"

	"github.com/connpro/orchestrator/internal/db"
)

func TestMemoryStore_LoadEmpty(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Load(); !errors.Is(err, ErrNoJob) {
		t.Errorf("expected ErrNoJob, got %v", err)
	}
}

func TestMemoryStore_SaveCopies(t *testing.T) {
	s := NewMemoryStore()
	j := New()
	j.Items = []string{"p1", "p2"}

	if err := s.Save(&j); err != nil {
		t.Fatalf("save: %v", err)
	}
	j.Items[0] = "changed"

	got, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Items[0] != "p1" {
		t.Errorf("expected stored copy to be unaffected, got %s", got.Items[0])
	}
	if s.Saves() != 1 {
		t.Errorf("expected 1 save, got %d", s.Saves())
	}
}

func TestPersistentStore_RoundTrip(t *testing.T) {
	dbStore, err := db.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("create db store: %v", err)
	}
	defer dbStore.Close()

	store := NewPersistentStore(dbStore)
	if _, err := store.Load(); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob before first save, got %v", err)
	}

	j := New()
	j.Items = []string{"p1", "p2", "p3"}
	j.CurrentIndex = 2
	j.ResumeIndex = 2
	j.Running = true
	j.State = StateDispatching
	j.InFlight = &Assignment{Index: 2, Seq: 7}
	j.WorkerID = "tab-1"
	j.Seq = 7

	if err := store.Save(&j); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.CurrentIndex != 2 || !got.Running || got.WorkerID != "tab-1" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.InFlight == nil || got.InFlight.Seq != 7 {
		t.Errorf("expected in-flight seq 7, got %+v", got.InFlight)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("loaded record invalid: %v", err)
	}
}

func TestPersistentStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	dbStore, err := db.NewStore(dir)
	if err != nil {
		t.Fatalf("create db store: %v", err)
	}
	j := New()
	j.Items = []string{"p1"}
	j.Settings.AutoResume = false
	if err := NewPersistentStore(dbStore).Save(&j); err != nil {
		t.Fatalf("save: %v", err)
	}
	dbStore.Close()

	dbStore, err = db.NewStore(dir)
	if err != nil {
		t.Fatalf("reopen db store: %v", err)
	}
	defer dbStore.Close()

	got, err := NewPersistentStore(dbStore).Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Settings.AutoResume {
		t.Error("expected auto resume to stay disabled")
	}
	if len(got.Items) != 1 {
		t.Errorf("expected 1 item, got %d", len(got.Items))
	}
}
