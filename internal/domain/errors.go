package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidRange reports a malformed or empty valid-time range.
	ErrInvalidRange = errors.New("invalid time range")

	// ErrUnknownType reports an entity type or name classification outside
	// the fixed enumeration.
	ErrUnknownType = errors.New("unknown type")

	// ErrUnknownRecord reports a Supersede/Retract aimed at a version that
	// does not exist or is no longer current belief.
	ErrUnknownRecord = errors.New("unknown record")

	// ErrReferentialViolation reports a name referencing an entity with no
	// current belief.
	ErrReferentialViolation = errors.New("referential violation")

	// ErrTemporalOverlap reports a business conflict: two current-belief
	// versions cannot claim overlapping valid-time ranges for the same key.
	ErrTemporalOverlap = errors.New("temporal overlap")

	// ErrWriteConflict reports two writers racing on the same record key.
	// Unlike ErrTemporalOverlap it is safe to retry.
	ErrWriteConflict = errors.New("concurrent write conflict")

	// ErrAuditChainCorrupted reports a hash mismatch or sequence gap in the
	// audit chain. Never auto-repaired.
	ErrAuditChainCorrupted = errors.New("audit chain corrupted")
)

// TemporalOverlapError carries enough detail about the conflicting version
// for a manual correction decision.
type TemporalOverlapError struct {
	ConflictVersionID uuid.UUID
	ConflictRange     TimeRange
}

func (e *TemporalOverlapError) Error() string {
	return fmt.Sprintf("temporal overlap with version %s over %s", e.ConflictVersionID, e.ConflictRange)
}

func (e *TemporalOverlapError) Unwrap() error {
	return ErrTemporalOverlap
}
