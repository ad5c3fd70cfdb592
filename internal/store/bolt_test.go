package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGetButton(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordButton("4ECB1A", 1000); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetButton("4ECB1A")
	if err != nil {
		t.Fatal(err)
	}
	if got.Address != "4ECB1A" {
		t.Errorf("address = %q, want %q", got.Address, "4ECB1A")
	}
	if got.FirstSeenUnix != 1000 || got.LastSeenUnix != 1000 {
		t.Errorf("first/last seen = %d/%d, want 1000/1000", got.FirstSeenUnix, got.LastSeenUnix)
	}
	if got.SeenCount != 1 {
		t.Errorf("seen count = %d, want 1", got.SeenCount)
	}
}

func TestRecordButtonBumpsSeenCount(t *testing.T) {
	s := newTestStore(t)

	if err := s.RecordButton("4ECB1A", 1000); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordButton("4ECB1A", 2000); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetButton("4ECB1A")
	if err != nil {
		t.Fatal(err)
	}
	if got.FirstSeenUnix != 1000 {
		t.Errorf("first seen = %d, want 1000 (unchanged)", got.FirstSeenUnix)
	}
	if got.LastSeenUnix != 2000 {
		t.Errorf("last seen = %d, want 2000", got.LastSeenUnix)
	}
	if got.SeenCount != 2 {
		t.Errorf("seen count = %d, want 2", got.SeenCount)
	}
}

func TestGetButtonNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetButton("000000")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestListButtons(t *testing.T) {
	s := newTestStore(t)

	addrs := []string{"4ECB1A", "4ECB1B", "4ECB1C"}
	for _, a := range addrs {
		if err := s.RecordButton(a, 1000); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListButtons()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(addrs) {
		t.Fatalf("list count = %d, want %d", len(list), len(addrs))
	}

	found := make(map[string]bool)
	for _, b := range list {
		found[b.Address] = true
	}
	for _, a := range addrs {
		if !found[a] {
			t.Errorf("button %s not in list", a)
		}
	}
}
