// Package store owns the bitemporal version history of entities and names.
// Create, Supersede and Retract are atomic units of work: the invariant
// check, the version change and the audit append either all commit or none
// do. Version rows are never physically deleted or overwritten.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/toponymdb/internal/domain"
)

// EntityStore defines the mutation and read surface for entity versions.
type EntityStore interface {
	// Create inserts a new current-belief version after checking that no
	// other current belief for the same entity overlaps it in valid time.
	Create(ctx context.Context, fact domain.EntityFact, actor string) (domain.Entity, error)

	// Supersede atomically closes the addressed current-belief version and
	// opens a replacement carrying fact, re-checking the non-overlap
	// invariant against the resulting set of current beliefs.
	Supersede(ctx context.Context, versionID uuid.UUID, fact domain.EntityFact, actor string) (domain.Entity, error)

	// Retract closes the addressed current-belief version with no
	// replacement. asOf is the close instant; zero means now, and a value
	// before the commit instant is rejected so the transaction-time record
	// is never rewritten. Retracting an entity's last current belief
	// cascades a retraction of its names' current beliefs in the same unit
	// of work.
	Retract(ctx context.Context, versionID uuid.UUID, asOf time.Time, actor string) error

	GetVersion(ctx context.Context, versionID uuid.UUID) (domain.Entity, error)
	ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.Entity, error)
}

// NameStore defines the same surface for name versions.
type NameStore interface {
	Create(ctx context.Context, fact domain.NameFact, actor string) (domain.Name, error)
	Supersede(ctx context.Context, versionID uuid.UUID, fact domain.NameFact, actor string) (domain.Name, error)
	Retract(ctx context.Context, versionID uuid.UUID, asOf time.Time, actor string) error

	GetVersion(ctx context.Context, versionID uuid.UUID) (domain.Name, error)
	ListVersions(ctx context.Context, nameID uuid.UUID) ([]domain.Name, error)
}

// Snapshot is one consistent view of the full version history: both lists
// reflect the same committed state, so a cascade is never visible half-done.
type Snapshot struct {
	Entities []domain.Entity
	Names    []domain.Name
}

// Reader streams full version history to the query engine and to
// backup/export collaborators. Each list is complete: every transaction
// interval ever recorded. Callers that correlate entities with names must
// use Snapshot rather than two separate reads.
type Reader interface {
	EntityVersions(ctx context.Context) ([]domain.Entity, error)
	NameVersions(ctx context.Context) ([]domain.Name, error)
	Snapshot(ctx context.Context) (Snapshot, error)
}
