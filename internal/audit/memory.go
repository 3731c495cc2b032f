package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rpattn/toponymdb/internal/domain"
)

// ErrCorrupted is the condition raised on any chain integrity failure.
var ErrCorrupted = domain.ErrAuditChainCorrupted

// MemoryLog is the in-process audit log. The owning store serializes
// writers through its own lock, so entries land in commit order; the log's
// internal lock only keeps readers consistent.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryLog returns an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// NextSeq returns the sequence number the next entry must carry. Only
// meaningful while the owning store holds its write lock.
func (l *MemoryLog) NextSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries)) + 1
}

// LastHash returns the entry hash of the most recent entry for recordID,
// empty when the record has no audit history yet.
func (l *MemoryLog) LastHash(recordID uuid.UUID) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].RecordID == recordID {
			return l.entries[i].EntryHash
		}
	}
	return ""
}

// Append adds entries to the chain.
func (l *MemoryLog) Append(entries ...Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entries...)
}

// ListByRecord returns the chain for one record in sequence order.
func (l *MemoryLog) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for _, e := range l.entries {
		if e.RecordID == recordID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListAll returns the whole chain in sequence order.
func (l *MemoryLog) ListAll(ctx context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out, nil
}
