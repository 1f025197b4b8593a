package tokenstore

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "access_token.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndGetEntry(t *testing.T) {
	s := openTestStore(t)

	entryID, token, err := s.AddEntry()
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}

	got, ok, err := s.GetEntryID(token)
	if err != nil {
		t.Fatalf("GetEntryID: %v", err)
	}
	if !ok || got != entryID {
		t.Fatalf("expected entry %d, got %d (ok=%v)", entryID, got, ok)
	}
}

func TestDisabledTokenIsRejected(t *testing.T) {
	s := openTestStore(t)

	entryID, token, err := s.AddEntry()
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.DisableEntry(entryID); err != nil {
		t.Fatalf("DisableEntry: %v", err)
	}

	if _, ok, _ := s.GetEntryID(token); ok {
		t.Fatal("expected disabled token to be rejected")
	}
}

func TestReenabledTokenIsAccepted(t *testing.T) {
	s := openTestStore(t)

	entryID, token, err := s.AddEntry()
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	s.DisableEntry(entryID)
	if err := s.EnableEntry(entryID); err != nil {
		t.Fatalf("EnableEntry: %v", err)
	}

	if _, ok, _ := s.GetEntryID(token); !ok {
		t.Fatal("expected re-enabled token to be accepted")
	}
}

func TestDeleteEntry(t *testing.T) {
	s := openTestStore(t)

	entryID, token, err := s.AddEntry()
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := s.DeleteEntry(entryID); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}
	if _, ok, _ := s.GetEntryID(token); ok {
		t.Fatal("expected deleted token to be rejected")
	}
}
