package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/toponymdb/internal/domain"
)

type fakeState struct {
	Value string `json:"value"`
}

func buildChain(t *testing.T, log *MemoryLog, recordID uuid.UUID, states ...string) {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var prior any
	for i, state := range states {
		kind := ChangeCreate
		if i > 0 {
			kind = ChangeSupersede
		}
		next := fakeState{Value: state}
		entry := NewEntry(log.NextSeq(), recordID, kind, "tester", base.Add(time.Duration(i)*time.Second), prior, next, log.LastHash(recordID))
		log.Append(entry)
		prior = next
	}
}

func TestHashState(t *testing.T) {
	if HashState(nil) != HashState(nil) {
		t.Fatal("nil state hash must be deterministic")
	}
	if HashState(nil) == HashState(fakeState{Value: "a"}) {
		t.Fatal("nil state must hash differently from a real state")
	}
	if HashState(fakeState{Value: "a"}) == HashState(fakeState{Value: "b"}) {
		t.Fatal("different states must hash differently")
	}
}

func TestVerifyIntactChain(t *testing.T) {
	log := NewMemoryLog()
	recordA := uuid.New()
	recordB := uuid.New()

	buildChain(t, log, recordA, "v1", "v2")
	buildChain(t, log, recordB, "v1")
	buildChain(t, log, recordA, "v3")

	entries, err := log.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("intact chain should verify: %v", err)
	}

	forA, err := log.ListByRecord(context.Background(), recordA)
	if err != nil {
		t.Fatalf("ListByRecord failed: %v", err)
	}
	if len(forA) != 3 {
		t.Fatalf("expected 3 entries for record A, got %d", len(forA))
	}
	if err := VerifyRecord(forA); err != nil {
		t.Fatalf("intact record chain should verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	log := NewMemoryLog()
	recordID := uuid.New()
	buildChain(t, log, recordID, "v1", "v2", "v3")

	entries, err := log.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}

	tampered := append([]Entry(nil), entries...)
	tampered[1].Actor = "someone else"
	if err := Verify(tampered); !errors.Is(err, domain.ErrAuditChainCorrupted) {
		t.Fatalf("actor tampering should corrupt the chain, got %v", err)
	}

	tampered = append([]Entry(nil), entries...)
	tampered[1].NewHash = HashState(fakeState{Value: "forged"})
	if err := Verify(tampered); !errors.Is(err, domain.ErrAuditChainCorrupted) {
		t.Fatalf("state hash tampering should corrupt the chain, got %v", err)
	}
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	log := NewMemoryLog()
	recordID := uuid.New()
	buildChain(t, log, recordID, "v1", "v2", "v3")

	entries, err := log.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}

	// Deleting an entry from the middle leaves a sequence gap.
	truncated := append(append([]Entry(nil), entries[:1]...), entries[2:]...)
	if err := Verify(truncated); !errors.Is(err, domain.ErrAuditChainCorrupted) {
		t.Fatalf("sequence gap should corrupt the chain, got %v", err)
	}
}

func TestVerifyRecordDetectsBrokenLink(t *testing.T) {
	log := NewMemoryLog()
	recordID := uuid.New()
	buildChain(t, log, recordID, "v1", "v2")

	entries, err := log.ListByRecord(context.Background(), recordID)
	if err != nil {
		t.Fatalf("ListByRecord failed: %v", err)
	}

	entries[1].PrevHash = "not the previous hash"
	if err := VerifyRecord(entries); !errors.Is(err, domain.ErrAuditChainCorrupted) {
		t.Fatalf("broken link should corrupt the record chain, got %v", err)
	}
}

func TestNewEntryTruncatesToMicroseconds(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	entry := NewEntry(1, uuid.New(), ChangeCreate, "tester", at, nil, fakeState{Value: "v"}, "")
	if entry.RecordedAt.Nanosecond()%1000 != 0 {
		t.Fatalf("RecordedAt should be truncated to microseconds, got %v", entry.RecordedAt)
	}
	if entry.computeHash() != entry.EntryHash {
		t.Fatal("entry hash must recompute from the truncated timestamp")
	}
}
