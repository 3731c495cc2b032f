// Package audit owns the tamper-evident record of every accepted mutation.
// Entries are append-only and hash-linked two ways: per affected record via
// PrevHash, and globally via a gap-free sequence number assigned in the same
// unit of work as the mutation the entry documents.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies an accepted mutation.
type ChangeKind string

const (
	ChangeCreate    ChangeKind = "create"
	ChangeSupersede ChangeKind = "supersede"
	ChangeRetract   ChangeKind = "retract"
)

// Entry is one immutable audit record.
type Entry struct {
	Seq        int64      `json:"seq"`
	RecordID   uuid.UUID  `json:"record_id"`
	Kind       ChangeKind `json:"change_kind"`
	Actor      string     `json:"actor"`
	RecordedAt time.Time  `json:"recorded_at"`
	PriorHash  string     `json:"prior_hash"`
	NewHash    string     `json:"new_hash"`
	PrevHash   string     `json:"prev_hash"`
	EntryHash  string     `json:"entry_hash"`
}

// Log persists audit entries. Appends happen inside the same unit of work
// as the store mutation, so implementations are provided by the storage
// backend rather than by this package.
type Log interface {
	ListByRecord(ctx context.Context, recordID uuid.UUID) ([]Entry, error)
	ListAll(ctx context.Context) ([]Entry, error)
}

// HashState computes the content hash of a version row. A nil state (no
// prior visible state on create) hashes the empty string.
func HashState(state any) string {
	if state == nil {
		return hashBytes(nil)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		// Version rows are plain structs; marshalling them cannot fail.
		// Hash the error text rather than silently equating states.
		payload = []byte("marshal error: " + err.Error())
	}
	return hashBytes(payload)
}

// NewEntry builds a fully hashed entry. prevHash is the EntryHash of the
// most recent entry for the same record, empty for the first one.
func NewEntry(seq int64, recordID uuid.UUID, kind ChangeKind, actor string, recordedAt time.Time, prior, next any, prevHash string) Entry {
	e := Entry{
		Seq:      seq,
		RecordID: recordID,
		Kind:     kind,
		Actor:    actor,
		// Truncated to the precision timestamptz keeps, so a chain read
		// back from Postgres re-hashes to the same value.
		RecordedAt: recordedAt.UTC().Truncate(time.Microsecond),
		PriorHash:  HashState(prior),
		NewHash:    HashState(next),
		PrevHash:   prevHash,
	}
	e.EntryHash = e.computeHash()
	return e
}

// computeHash covers every field that the chain must protect.
func (e Entry) computeHash() string {
	payload := strings.Join([]string{
		strconv.FormatInt(e.Seq, 10),
		e.RecordID.String(),
		string(e.Kind),
		e.Actor,
		e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.PriorHash,
		e.NewHash,
		e.PrevHash,
	}, "|")
	return hashBytes([]byte(payload))
}

// Verify walks entries in global sequence order and fails on the first gap,
// broken per-record link, or entry whose stored hash does not recompute.
// Every failure wraps domain-level corruption: callers treat it as fatal to
// the read, never something to repair.
func Verify(entries []Entry) error {
	lastByRecord := make(map[uuid.UUID]string)
	for i, e := range entries {
		if e.Seq != int64(i)+1 {
			return fmt.Errorf("%w: sequence gap at position %d (seq %d)", ErrCorrupted, i, e.Seq)
		}
		if e.PrevHash != lastByRecord[e.RecordID] {
			return fmt.Errorf("%w: entry %d for record %s links to %q, expected %q", ErrCorrupted, e.Seq, e.RecordID, e.PrevHash, lastByRecord[e.RecordID])
		}
		if got := e.computeHash(); got != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrCorrupted, e.Seq)
		}
		lastByRecord[e.RecordID] = e.EntryHash
	}
	return nil
}

// VerifyRecord checks a single record's chain extracted from the log.
func VerifyRecord(entries []Entry) error {
	prev := ""
	lastSeq := int64(0)
	for _, e := range entries {
		if e.Seq <= lastSeq {
			return fmt.Errorf("%w: record %s entries out of sequence order", ErrCorrupted, e.RecordID)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d for record %s links to %q, expected %q", ErrCorrupted, e.Seq, e.RecordID, e.PrevHash, prev)
		}
		if got := e.computeHash(); got != e.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrCorrupted, e.Seq)
		}
		prev = e.EntryHash
		lastSeq = e.Seq
	}
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
