package store

import (
	"fmt"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(pubKey string, ts, ttl uint64, data string) Message {
	return Message{
		PubKey:    pubKey,
		Hash:      ComputeHash(fmt.Sprint(ts), fmt.Sprint(ttl), pubKey, data),
		Data:      data,
		TTL:       ttl,
		Timestamp: ts,
	}
}

func TestComputeHashStable(t *testing.T) {
	a := ComputeHash("1", "2", "pk", "data")
	b := ComputeHash("1", "2", "pk", "data")
	if a != b || len(a) != 128 {
		t.Fatalf("hash not stable or wrong width: %s", a)
	}
	if ComputeHash("1", "2", "pk", "other") == a {
		t.Fatalf("hash must depend on data")
	}
}

func TestSaveAndRetrieve(t *testing.T) {
	s := openTest(t)
	now := uint64(time.Now().UnixMilli())
	const pk = "05aa"

	for i := 0; i < 3; i++ {
		if err := s.Save(msg(pk, now+uint64(i), 60_000, fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := s.Retrieve(pk, "")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(got) != 3 || got[0].Data != "m0" || got[2].Data != "m2" {
		t.Fatalf("unexpected messages: %+v", got)
	}

	// Another recipient sees nothing.
	other, err := s.Retrieve("05bb", "")
	if err != nil || len(other) != 0 {
		t.Fatalf("expected empty result, got %v %v", other, err)
	}
}

func TestRetrieveAfterLastHash(t *testing.T) {
	s := openTest(t)
	now := uint64(time.Now().UnixMilli())
	const pk = "05aa"

	var hashes []string
	for i := 0; i < 3; i++ {
		m := msg(pk, now+uint64(i), 60_000, fmt.Sprintf("m%d", i))
		hashes = append(hashes, m.Hash)
		if err := s.Save(m); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	got, err := s.Retrieve(pk, hashes[0])
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if len(got) != 2 || got[0].Data != "m1" {
		t.Fatalf("expected messages after lastHash, got %+v", got)
	}

	// Unknown lastHash falls back to the full set.
	got, err = s.Retrieve(pk, "deadbeef")
	if err != nil || len(got) != 3 {
		t.Fatalf("expected full set, got %d %v", len(got), err)
	}
}

func TestSaveDuplicateIsNoop(t *testing.T) {
	s := openTest(t)
	now := uint64(time.Now().UnixMilli())
	m := msg("05aa", now, 60_000, "dup")
	if err := s.Save(m); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(m); err != nil {
		t.Fatalf("duplicate Save failed: %v", err)
	}
	got, _ := s.Retrieve("05aa", "")
	if len(got) != 1 {
		t.Fatalf("duplicate stored twice: %d", len(got))
	}
}

func TestExpiryFilteredAndPruned(t *testing.T) {
	s := openTest(t)
	base := time.Now()
	s.now = func() time.Time { return base }
	now := uint64(base.UnixMilli())

	if err := s.Save(msg("05aa", now, 1_000, "short")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Save(msg("05aa", now, 120_000, "long")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	s.now = func() time.Time { return base.Add(2 * time.Second) }
	got, err := s.Retrieve("05aa", "")
	if err != nil || len(got) != 1 || got[0].Data != "long" {
		t.Fatalf("expired message leaked: %+v %v", got, err)
	}

	removed, err := s.Prune()
	if err != nil || removed != 1 {
		t.Fatalf("Prune = %d, %v", removed, err)
	}
	all, err := s.All()
	if err != nil || len(all) != 1 {
		t.Fatalf("All after prune: %+v %v", all, err)
	}
}
