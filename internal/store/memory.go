package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/toponymdb/internal/audit"
	"github.com/rpattn/toponymdb/internal/domain"
	"github.com/rpattn/toponymdb/internal/normalize"
)

// Memory is the in-process storage backend. A single write lock makes every
// mutation a serializable unit of work; readers take the read lock and see
// only committed state, never a supersede's close-old/open-new halfway.
type Memory struct {
	mu sync.RWMutex

	entityVersions map[uuid.UUID]*domain.Entity   // by version id
	entitiesByID   map[uuid.UUID][]*domain.Entity // by logical entity id

	nameVersions  map[uuid.UUID]*domain.Name   // by version id
	namesByID     map[uuid.UUID][]*domain.Name // by logical name id
	namesByEntity map[uuid.UUID][]*domain.Name

	log *audit.MemoryLog

	now      func() time.Time
	lastTick time.Time
}

// MemoryOption customizes a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the wall clock, letting tests control transaction
// timestamps deterministically.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty store whose mutations append to log.
func NewMemory(log *audit.MemoryLog, opts ...MemoryOption) *Memory {
	m := &Memory{
		entityVersions: make(map[uuid.UUID]*domain.Entity),
		entitiesByID:   make(map[uuid.UUID][]*domain.Entity),
		nameVersions:   make(map[uuid.UUID]*domain.Name),
		namesByID:      make(map[uuid.UUID][]*domain.Name),
		namesByEntity:  make(map[uuid.UUID][]*domain.Name),
		log:            log,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// tick returns the commit instant for the current unit of work, strictly
// after any instant handed out before. Transaction-time replay depends on
// distinct commit instants.
func (m *Memory) tick() time.Time {
	t := m.now().UTC()
	if !t.After(m.lastTick) {
		t = m.lastTick.Add(time.Nanosecond)
	}
	m.lastTick = t
	return t
}

// Entities returns the entity-facing store surface.
func (m *Memory) Entities() EntityStore { return &memoryEntities{m} }

// Names returns the name-facing store surface.
func (m *Memory) Names() NameStore { return &memoryNames{m} }

// AuditLog exposes the audit chain for query and verification collaborators.
func (m *Memory) AuditLog() audit.Log { return m.log }

// EntityVersions returns a snapshot of every entity version ever recorded.
func (m *Memory) EntityVersions(ctx context.Context) ([]domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Entity, 0, len(m.entityVersions))
	for _, v := range m.entityVersions {
		out = append(out, *v)
	}
	sortEntities(out)
	return out, nil
}

// NameVersions returns a snapshot of every name version ever recorded.
func (m *Memory) NameVersions(ctx context.Context) ([]domain.Name, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Name, 0, len(m.nameVersions))
	for _, v := range m.nameVersions {
		out = append(out, *v)
	}
	sortNames(out)
	return out, nil
}

// Snapshot copies both histories under one read lock, so the pair reflects
// a single committed state.
func (m *Memory) Snapshot(ctx context.Context) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := Snapshot{
		Entities: make([]domain.Entity, 0, len(m.entityVersions)),
		Names:    make([]domain.Name, 0, len(m.nameVersions)),
	}
	for _, v := range m.entityVersions {
		snap.Entities = append(snap.Entities, *v)
	}
	for _, v := range m.nameVersions {
		snap.Names = append(snap.Names, *v)
	}
	sortEntities(snap.Entities)
	sortNames(snap.Names)
	return snap, nil
}

func sortEntities(rows []domain.Entity) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Txn.Start.Equal(rows[j].Txn.Start) {
			return rows[i].Txn.Start.Before(rows[j].Txn.Start)
		}
		return rows[i].VersionID.String() < rows[j].VersionID.String()
	})
}

func sortNames(rows []domain.Name) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].Txn.Start.Equal(rows[j].Txn.Start) {
			return rows[i].Txn.Start.Before(rows[j].Txn.Start)
		}
		return rows[i].VersionID.String() < rows[j].VersionID.String()
	})
}

// overlappingEntity finds a current-belief version of entityID whose valid
// range intersects valid, skipping the version identified by exclude.
func (m *Memory) overlappingEntity(entityID uuid.UUID, valid domain.TimeRange, exclude uuid.UUID) *domain.Entity {
	for _, v := range m.entitiesByID[entityID] {
		if v.VersionID == exclude || !v.CurrentBelief() {
			continue
		}
		if v.Valid.Overlaps(valid) {
			return v
		}
	}
	return nil
}

// overlappingName finds a current-belief name version for the same
// (entity, language, classification) key whose valid range intersects valid.
func (m *Memory) overlappingName(entityID uuid.UUID, language string, class domain.NameClassification, valid domain.TimeRange, exclude uuid.UUID) *domain.Name {
	for _, v := range m.namesByEntity[entityID] {
		if v.VersionID == exclude || !v.CurrentBelief() {
			continue
		}
		if v.Language != language || v.Classification != class {
			continue
		}
		if v.Valid.Overlaps(valid) {
			return v
		}
	}
	return nil
}

// entityHasCurrentBelief reports whether any current-belief version exists
// for the logical entity.
func (m *Memory) entityHasCurrentBelief(entityID uuid.UUID) bool {
	for _, v := range m.entitiesByID[entityID] {
		if v.CurrentBelief() {
			return true
		}
	}
	return false
}

type memoryEntities struct {
	m *Memory
}

func (s *memoryEntities) Create(ctx context.Context, fact domain.EntityFact, actor string) (domain.Entity, error) {
	if err := fact.Validate(); err != nil {
		return domain.Entity{}, err
	}

	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	entityID := fact.EntityID
	if entityID == uuid.Nil {
		entityID = uuid.New()
	}

	if conflict := m.overlappingEntity(entityID, fact.Valid, uuid.Nil); conflict != nil {
		return domain.Entity{}, &domain.TemporalOverlapError{ConflictVersionID: conflict.VersionID, ConflictRange: conflict.Valid}
	}

	now := m.tick()
	row := domain.Entity{
		VersionID:       uuid.New(),
		EntityID:        entityID,
		Type:            fact.Type,
		Geometry:        fact.Geometry,
		Centroid:        fact.Centroid,
		SourceAuthority: fact.SourceAuthority,
		Valid:           fact.Valid,
		Txn:             domain.UnboundedFrom(now),
	}

	entry := audit.NewEntry(m.log.NextSeq(), entityID, audit.ChangeCreate, actor, now, nil, row, m.log.LastHash(entityID))

	m.entityVersions[row.VersionID] = &row
	m.entitiesByID[entityID] = append(m.entitiesByID[entityID], &row)
	m.log.Append(entry)

	return row, nil
}

func (s *memoryEntities) Supersede(ctx context.Context, versionID uuid.UUID, fact domain.EntityFact, actor string) (domain.Entity, error) {
	if err := fact.Validate(); err != nil {
		return domain.Entity{}, err
	}

	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.entityVersions[versionID]
	if !ok || !old.CurrentBelief() {
		return domain.Entity{}, fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
	}
	if fact.EntityID != uuid.Nil && fact.EntityID != old.EntityID {
		return domain.Entity{}, fmt.Errorf("%w: fact addresses entity %s but version %s belongs to %s", domain.ErrUnknownRecord, fact.EntityID, versionID, old.EntityID)
	}

	// The row being closed is excluded: the check runs against the
	// resulting set of current beliefs.
	if conflict := m.overlappingEntity(old.EntityID, fact.Valid, versionID); conflict != nil {
		return domain.Entity{}, &domain.TemporalOverlapError{ConflictVersionID: conflict.VersionID, ConflictRange: conflict.Valid}
	}

	now := m.tick()
	prior := *old
	old.Txn = old.Txn.ClosedAt(now)

	row := domain.Entity{
		VersionID:       uuid.New(),
		EntityID:        old.EntityID,
		Type:            fact.Type,
		Geometry:        fact.Geometry,
		Centroid:        fact.Centroid,
		SourceAuthority: fact.SourceAuthority,
		Valid:           fact.Valid,
		Txn:             domain.UnboundedFrom(now),
	}

	entry := audit.NewEntry(m.log.NextSeq(), old.EntityID, audit.ChangeSupersede, actor, now, prior, row, m.log.LastHash(old.EntityID))

	m.entityVersions[row.VersionID] = &row
	m.entitiesByID[old.EntityID] = append(m.entitiesByID[old.EntityID], &row)
	m.log.Append(entry)

	return row, nil
}

func (s *memoryEntities) Retract(ctx context.Context, versionID uuid.UUID, asOf time.Time, actor string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.entityVersions[versionID]
	if !ok || !old.CurrentBelief() {
		return fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
	}

	now := m.tick()
	closeAt := now
	if !asOf.IsZero() {
		// Transaction time is system assigned: a belief closes at the
		// commit instant or later, never retroactively. A backdated close
		// would rewrite what past replays are entitled to see.
		if asOf.Before(now) {
			return fmt.Errorf("%w: retraction instant precedes the commit instant", domain.ErrInvalidRange)
		}
		closeAt = asOf.UTC()
		if closeAt.After(m.lastTick) {
			m.lastTick = closeAt
		}
	}

	prior := *old
	old.Txn = old.Txn.ClosedAt(closeAt)

	entries := []audit.Entry{
		audit.NewEntry(m.log.NextSeq(), old.EntityID, audit.ChangeRetract, actor, now, prior, nil, m.log.LastHash(old.EntityID)),
	}

	// Once the entity has no current belief left, its names' current
	// beliefs are logically retracted in the same unit of work. Each
	// cascade writes its own audit entry.
	if !m.entityHasCurrentBelief(old.EntityID) {
		seq := entries[0].Seq
		for _, n := range m.namesByEntity[old.EntityID] {
			if !n.CurrentBelief() {
				continue
			}
			nPrior := *n
			n.Txn = n.Txn.ClosedAt(closeAt)
			seq++
			entries = append(entries, audit.NewEntry(seq, n.NameID, audit.ChangeRetract, actor, now, nPrior, nil, m.log.LastHash(n.NameID)))
		}
	}

	m.log.Append(entries...)
	return nil
}

func (s *memoryEntities) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.Entity, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entityVersions[versionID]
	if !ok {
		return domain.Entity{}, fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
	}
	return *v, nil
}

func (s *memoryEntities) ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.Entity, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.entitiesByID[entityID]
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: entity %s", domain.ErrUnknownRecord, entityID)
	}
	out := make([]domain.Entity, len(rows))
	for i, v := range rows {
		out[i] = *v
	}
	sortEntities(out)
	return out, nil
}

type memoryNames struct {
	m *Memory
}

func (s *memoryNames) Create(ctx context.Context, fact domain.NameFact, actor string) (domain.Name, error) {
	if err := fact.Validate(); err != nil {
		return domain.Name{}, err
	}

	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.entityHasCurrentBelief(fact.EntityID) {
		return domain.Name{}, fmt.Errorf("%w: entity %s has no current belief", domain.ErrReferentialViolation, fact.EntityID)
	}

	if conflict := m.overlappingName(fact.EntityID, fact.Language, fact.Classification, fact.Valid, uuid.Nil); conflict != nil {
		return domain.Name{}, &domain.TemporalOverlapError{ConflictVersionID: conflict.VersionID, ConflictRange: conflict.Valid}
	}

	nameID := fact.NameID
	if nameID == uuid.Nil {
		nameID = uuid.New()
	}

	now := m.tick()
	row := buildName(nameID, fact, now)

	entry := audit.NewEntry(m.log.NextSeq(), nameID, audit.ChangeCreate, actor, now, nil, row, m.log.LastHash(nameID))

	m.nameVersions[row.VersionID] = &row
	m.namesByID[nameID] = append(m.namesByID[nameID], &row)
	m.namesByEntity[fact.EntityID] = append(m.namesByEntity[fact.EntityID], &row)
	m.log.Append(entry)

	return row, nil
}

func (s *memoryNames) Supersede(ctx context.Context, versionID uuid.UUID, fact domain.NameFact, actor string) (domain.Name, error) {
	if err := fact.Validate(); err != nil {
		return domain.Name{}, err
	}

	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.nameVersions[versionID]
	if !ok || !old.CurrentBelief() {
		return domain.Name{}, fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
	}
	if !m.entityHasCurrentBelief(fact.EntityID) {
		return domain.Name{}, fmt.Errorf("%w: entity %s has no current belief", domain.ErrReferentialViolation, fact.EntityID)
	}

	if conflict := m.overlappingName(fact.EntityID, fact.Language, fact.Classification, fact.Valid, versionID); conflict != nil {
		return domain.Name{}, &domain.TemporalOverlapError{ConflictVersionID: conflict.VersionID, ConflictRange: conflict.Valid}
	}

	now := m.tick()
	prior := *old
	old.Txn = old.Txn.ClosedAt(now)

	row := buildName(old.NameID, fact, now)

	entry := audit.NewEntry(m.log.NextSeq(), old.NameID, audit.ChangeSupersede, actor, now, prior, row, m.log.LastHash(old.NameID))

	m.nameVersions[row.VersionID] = &row
	m.namesByID[old.NameID] = append(m.namesByID[old.NameID], &row)
	m.namesByEntity[fact.EntityID] = append(m.namesByEntity[fact.EntityID], &row)
	m.log.Append(entry)

	return row, nil
}

func (s *memoryNames) Retract(ctx context.Context, versionID uuid.UUID, asOf time.Time, actor string) error {
	m := s.m
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.nameVersions[versionID]
	if !ok || !old.CurrentBelief() {
		return fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
	}

	now := m.tick()
	closeAt := now
	if !asOf.IsZero() {
		if asOf.Before(now) {
			return fmt.Errorf("%w: retraction instant precedes the commit instant", domain.ErrInvalidRange)
		}
		closeAt = asOf.UTC()
		if closeAt.After(m.lastTick) {
			m.lastTick = closeAt
		}
	}

	prior := *old
	old.Txn = old.Txn.ClosedAt(closeAt)

	m.log.Append(audit.NewEntry(m.log.NextSeq(), old.NameID, audit.ChangeRetract, actor, now, prior, nil, m.log.LastHash(old.NameID)))
	return nil
}

func (s *memoryNames) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.Name, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.nameVersions[versionID]
	if !ok {
		return domain.Name{}, fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
	}
	return *v, nil
}

func (s *memoryNames) ListVersions(ctx context.Context, nameID uuid.UUID) ([]domain.Name, error) {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.namesByID[nameID]
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: name %s", domain.ErrUnknownRecord, nameID)
	}
	out := make([]domain.Name, len(rows))
	for i, v := range rows {
		out[i] = *v
	}
	sortNames(out)
	return out, nil
}

func buildName(nameID uuid.UUID, fact domain.NameFact, now time.Time) domain.Name {
	reliability := fact.Reliability
	if reliability == "" {
		reliability = domain.ReliabilityUnverified
	}
	return domain.Name{
		VersionID:       uuid.New(),
		NameID:          nameID,
		EntityID:        fact.EntityID,
		Text:            fact.Text,
		NormalizedKey:   normalize.Normalize(fact.Text, fact.Script),
		Language:        fact.Language,
		Script:          fact.Script,
		Classification:  fact.Classification,
		DecreeAuthority: fact.DecreeAuthority,
		SourceType:      fact.SourceType,
		Reliability:     reliability,
		Notes:           fact.Notes,
		Valid:           fact.Valid,
		Txn:             domain.UnboundedFrom(now),
	}
}
