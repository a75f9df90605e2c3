package sessions

import (
	"errors"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestReadEmptyAgent(t *testing.T) {
	s := newTestStore(t)
	entries, hash, err := s.Read("default", true)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty entries, got %d", len(entries))
	}
	if hash == "" {
		t.Error("expected non-empty hash for empty document")
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := "agent:default:mezon:direct:u1"

	hash1, err := s.Update("default", func(entries map[string]*Entry) (map[string]*Entry, error) {
		entries[key] = &Entry{SessionKey: key, AgentID: "default", UpdatedAt: 1000, Model: "claude"}
		return entries, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, hash2, err := s.Read("default", true)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if hash1 != hash2 {
		t.Errorf("hash mismatch after read: %q != %q", hash1, hash2)
	}
	e := entries[key]
	if e == nil || e.Model != "claude" || e.UpdatedAt != 1000 {
		t.Errorf("round trip lost data: %+v", e)
	}
}

func TestHashChangesWithContent(t *testing.T) {
	a := map[string]*Entry{"k": {SessionKey: "k", UpdatedAt: 1}}
	b := map[string]*Entry{"k": {SessionKey: "k", UpdatedAt: 2}}
	if HashEntries(a) == HashEntries(b) {
		t.Error("different documents share a hash")
	}
	if HashEntries(a) != HashEntries(map[string]*Entry{"k": {SessionKey: "k", UpdatedAt: 1}}) {
		t.Error("equal documents differ in hash")
	}
}

func TestPatchConflict(t *testing.T) {
	s := newTestStore(t)
	key := "agent:default:mezon:direct:u1"

	_, baseHash, err := s.Read("default", true)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	// Two writers observed baseHash; only the first may win.
	if _, err := s.Patch("default", baseHash, key, func(e *Entry) {
		e.Label = "writer-1"
	}); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	_, err = s.Patch("default", baseHash, key, func(e *Entry) {
		e.Label = "writer-2"
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	entries, _, _ := s.Read("default", true)
	if entries[key].Label != "writer-1" {
		t.Errorf("losing writer overwrote the entry: %q", entries[key].Label)
	}
}

func TestPatchRetryAppliesPatch(t *testing.T) {
	s := newTestStore(t)
	key := "agent:default:mezon:direct:u1"

	if _, err := s.PatchRetry("default", key, func(e *Entry) {
		e.ModelOverride = "qwen3-coder:30b"
	}); err != nil {
		t.Fatalf("patch retry: %v", err)
	}
	entries, _, _ := s.Read("default", true)
	if entries[key].ModelOverride != "qwen3-coder:30b" {
		t.Errorf("patch not applied: %+v", entries[key])
	}
}

func TestCachedReadServesStaleUntilSkip(t *testing.T) {
	s := newTestStore(t)
	key := "agent:default:mezon:direct:u1"

	if _, _, err := s.Read("default", false); err != nil {
		t.Fatalf("prime cache: %v", err)
	}

	// Write behind the cache through a second store on the same dir.
	other, err := NewStore(s.dir)
	if err != nil {
		t.Fatalf("second store: %v", err)
	}
	if _, err := other.Update("default", func(entries map[string]*Entry) (map[string]*Entry, error) {
		entries[key] = &Entry{SessionKey: key, UpdatedAt: 7}
		return entries, nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	cached, _, _ := s.Read("default", false)
	if len(cached) != 0 {
		t.Errorf("cached read within TTL saw the on-disk write: %d entries", len(cached))
	}
	fresh, _, _ := s.Read("default", true)
	if fresh[key] == nil {
		t.Error("skipCache read missed the on-disk write")
	}
}

func TestReadReturnsCopies(t *testing.T) {
	s := newTestStore(t)
	key := "agent:default:mezon:direct:u1"
	if _, err := s.Update("default", func(entries map[string]*Entry) (map[string]*Entry, error) {
		entries[key] = &Entry{SessionKey: key, Label: "original"}
		return entries, nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, _, _ := s.Read("default", true)
	entries[key].Label = "mutated"

	again, _, _ := s.Read("default", true)
	if again[key].Label != "original" {
		t.Error("caller mutation leaked into the store")
	}
}
