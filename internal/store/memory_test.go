package store

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/toponymdb/internal/audit"
	"github.com/rpattn/toponymdb/internal/domain"
)

func date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

func streetFact(entityID uuid.UUID, valid domain.TimeRange) domain.EntityFact {
	return domain.EntityFact{
		EntityID:        entityID,
		Type:            domain.EntityTypeStreet,
		Geometry:        "LINESTRING(30.5 50.4, 30.6 50.5)",
		Centroid:        domain.Centroid{Lon: 30.55, Lat: 50.45},
		SourceAuthority: "city council",
		Valid:           valid,
	}
}

func officialName(entityID uuid.UUID, text, language string, valid domain.TimeRange) domain.NameFact {
	return domain.NameFact{
		EntityID:       entityID,
		Text:           text,
		Language:       language,
		Script:         "Cyrl",
		Classification: domain.NameOfficial,
		SourceType:     "decree",
		Reliability:    domain.ReliabilityHigh,
		Valid:          valid,
	}
}

func newTestStore() *Memory {
	return NewMemory(audit.NewMemoryLog())
}

func TestEntityLifecycle(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	entities := m.Entities()

	// A street comes into existence in 2015.
	v1, err := entities.Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if v1.EntityID == uuid.Nil || v1.VersionID == uuid.Nil {
		t.Fatal("create must mint both identifiers")
	}
	if !v1.CurrentBelief() {
		t.Fatal("fresh version must be a current belief")
	}

	// A second open-ended version of the same entity overlaps.
	_, err = entities.Create(ctx, streetFact(v1.EntityID, domain.UnboundedFrom(date(2018, 1, 1))), "clerk")
	var overlap *domain.TemporalOverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("overlapping create should fail with TemporalOverlapError, got %v", err)
	}
	if overlap.ConflictVersionID != v1.VersionID {
		t.Fatalf("conflict should name version %s, got %s", v1.VersionID, overlap.ConflictVersionID)
	}
	if !errors.Is(err, domain.ErrTemporalOverlap) {
		t.Fatal("TemporalOverlapError must unwrap to ErrTemporalOverlap")
	}

	// The street is renamed in reality: close the old valid range on
	// 2022-02-24, then open a new version from that date.
	closed := streetFact(v1.EntityID, domain.NewTimeRange(date(2015, 1, 1), date(2022, 2, 24)))
	v2, err := entities.Supersede(ctx, v1.VersionID, closed, "clerk")
	if err != nil {
		t.Fatalf("supersede failed: %v", err)
	}

	renamed := streetFact(v1.EntityID, domain.UnboundedFrom(date(2022, 2, 24)))
	renamed.Geometry = "LINESTRING(30.5 50.4, 30.7 50.6)"
	v3, err := entities.Create(ctx, renamed, "clerk")
	if err != nil {
		t.Fatalf("post-supersede create failed: %v", err)
	}

	versions, err := entities.ListVersions(ctx, v1.EntityID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}

	var current []domain.Entity
	for _, v := range versions {
		if v.CurrentBelief() {
			current = append(current, v)
		}
	}
	if len(current) != 2 {
		t.Fatalf("expected 2 current beliefs (closed old range and open new one), got %d", len(current))
	}
	for _, v := range current {
		if v.VersionID != v2.VersionID && v.VersionID != v3.VersionID {
			t.Fatalf("unexpected current belief %s", v.VersionID)
		}
	}

	// The superseded row keeps its historical transaction range.
	old, err := entities.GetVersion(ctx, v1.VersionID)
	if err != nil {
		t.Fatalf("get version failed: %v", err)
	}
	if old.CurrentBelief() {
		t.Fatal("superseded version must have a closed transaction range")
	}
}

func TestSupersedeUnknownVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	_, err := m.Entities().Supersede(ctx, uuid.New(), streetFact(uuid.Nil, domain.UnboundedFrom(date(2020, 1, 1))), "clerk")
	if !errors.Is(err, domain.ErrUnknownRecord) {
		t.Fatalf("superseding a missing version should fail with ErrUnknownRecord, got %v", err)
	}
}

func TestSupersedeClosedVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	entities := m.Entities()

	v1, err := entities.Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := entities.Retract(ctx, v1.VersionID, time.Time{}, "clerk"); err != nil {
		t.Fatalf("retract failed: %v", err)
	}

	// A version that is no longer a current belief cannot be addressed.
	_, err = entities.Supersede(ctx, v1.VersionID, streetFact(v1.EntityID, domain.UnboundedFrom(date(2016, 1, 1))), "clerk")
	if !errors.Is(err, domain.ErrUnknownRecord) {
		t.Fatalf("superseding a retracted version should fail with ErrUnknownRecord, got %v", err)
	}
	if err := entities.Retract(ctx, v1.VersionID, time.Time{}, "clerk"); !errors.Is(err, domain.ErrUnknownRecord) {
		t.Fatalf("double retract should fail with ErrUnknownRecord, got %v", err)
	}
}

func TestRetractAsOfValidation(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	entities := m.Entities()

	v1, err := entities.Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Transaction time is system assigned: a backdated close would rewrite
	// what the system believed at instants that are already in the past.
	err = entities.Retract(ctx, v1.VersionID, v1.Txn.Start.Add(-time.Hour), "clerk")
	if !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("retraction before the transaction start should fail with ErrInvalidRange, got %v", err)
	}
	err = entities.Retract(ctx, v1.VersionID, time.Now().UTC().Add(-time.Minute), "clerk")
	if !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("retraction before the commit instant should fail with ErrInvalidRange, got %v", err)
	}
	if got, err := entities.GetVersion(ctx, v1.VersionID); err != nil || !got.CurrentBelief() {
		t.Fatalf("rejected retraction must leave the belief open, got %+v, %v", got, err)
	}
}

func TestRetractPreservesTransactionHistory(t *testing.T) {
	ctx := context.Background()
	clock := date(2024, 1, 1)
	m := NewMemory(audit.NewMemoryLog(), WithClock(func() time.Time { return clock }))
	entities := m.Entities()

	v1, err := entities.Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	observed := date(2024, 6, 1)

	// The fact turns out wrong and is retracted later that year. Backdating
	// the close to the June observation instant must be refused.
	clock = date(2024, 9, 1)
	err = entities.Retract(ctx, v1.VersionID, observed, "auditor")
	if !errors.Is(err, domain.ErrInvalidRange) {
		t.Fatalf("backdated retraction should fail with ErrInvalidRange, got %v", err)
	}
	if err := entities.Retract(ctx, v1.VersionID, time.Time{}, "auditor"); err != nil {
		t.Fatalf("retract failed: %v", err)
	}

	// The version's transaction interval still covers June, so a replay at
	// the observation instant sees exactly what was believed then.
	got, err := entities.GetVersion(ctx, v1.VersionID)
	if err != nil {
		t.Fatalf("get version failed: %v", err)
	}
	if got.CurrentBelief() {
		t.Fatal("retracted version must no longer be a current belief")
	}
	if !got.Txn.Contains(observed) {
		t.Fatalf("transaction interval %v must still contain the observation instant", got.Txn)
	}
	if got.Txn.End.Before(date(2024, 9, 1)) {
		t.Fatalf("close instant %v must be the commit instant, not earlier", got.Txn.End)
	}

	// The audit trail states when the retraction was recorded, not when the
	// caller wished the belief had ended.
	entries, err := m.AuditLog().ListByRecord(ctx, v1.EntityID)
	if err != nil {
		t.Fatalf("list audit entries failed: %v", err)
	}
	last := entries[len(entries)-1]
	if last.Kind != audit.ChangeRetract {
		t.Fatalf("last entry should be the retraction, got %s", last.Kind)
	}
	if last.RecordedAt.Before(date(2024, 9, 1)) {
		t.Fatalf("retraction recorded at %v, want the september commit instant", last.RecordedAt)
	}
}

func TestSnapshotConsistentDuringCascades(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			ent, err := m.Entities().Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			if _, err := m.Names().Create(ctx, officialName(ent.EntityID, "вулиця Грецька", "ukr", domain.UnboundedFrom(date(2015, 1, 1))), "clerk"); err != nil {
				t.Errorf("name create failed: %v", err)
				return
			}
			if err := m.Entities().Retract(ctx, ent.VersionID, time.Time{}, "clerk"); err != nil {
				t.Errorf("retract failed: %v", err)
				return
			}
		}
	}()

	// Every snapshot must reflect one committed state. The cascade closes
	// the entity and its names in a single unit of work, so a current name
	// whose entity has no current belief is a view no commit ever produced.
	for alive := true; alive; {
		select {
		case <-done:
			alive = false
		default:
		}
		snap, err := m.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot failed: %v", err)
		}
		currentEntities := make(map[uuid.UUID]bool)
		for _, e := range snap.Entities {
			if e.CurrentBelief() {
				currentEntities[e.EntityID] = true
			}
		}
		for _, n := range snap.Names {
			if n.CurrentBelief() && !currentEntities[n.EntityID] {
				t.Fatal("snapshot shows a current name whose entity has no current belief")
			}
		}
	}

	snap, err := m.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	entities, err := m.EntityVersions(ctx)
	if err != nil {
		t.Fatalf("entity read failed: %v", err)
	}
	names, err := m.NameVersions(ctx)
	if err != nil {
		t.Fatalf("name read failed: %v", err)
	}
	if len(snap.Entities) != len(entities) || len(snap.Names) != len(names) {
		t.Fatalf("quiescent snapshot should match the individual reads, got %d/%d vs %d/%d",
			len(snap.Entities), len(snap.Names), len(entities), len(names))
	}
}

func TestNameLanguageCoexistence(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	ent, err := m.Entities().Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}

	names := m.Names()
	valid := domain.UnboundedFrom(date(2015, 1, 1))

	// One official name per language may coexist over the same period.
	ukr, err := names.Create(ctx, officialName(ent.EntityID, "проспект Миру", "ukr", valid), "clerk")
	if err != nil {
		t.Fatalf("ukrainian official name failed: %v", err)
	}
	if _, err := names.Create(ctx, officialName(ent.EntityID, "проспект Мира", "rus", valid), "clerk"); err != nil {
		t.Fatalf("russian official name should coexist: %v", err)
	}

	// A second official Ukrainian name for the same period violates the
	// per-(entity, language, classification) exclusion.
	_, err = names.Create(ctx, officialName(ent.EntityID, "проспект Перемоги", "ukr", valid), "clerk")
	var overlap *domain.TemporalOverlapError
	if !errors.As(err, &overlap) {
		t.Fatalf("second official ukrainian name should overlap, got %v", err)
	}
	if overlap.ConflictVersionID != ukr.VersionID {
		t.Fatalf("conflict should name version %s, got %s", ukr.VersionID, overlap.ConflictVersionID)
	}

	// A historical Ukrainian name is a different classification key.
	historical := officialName(ent.EntityID, "вулиця Леніна", "ukr", domain.NewTimeRange(date(1950, 1, 1), date(2015, 1, 1)))
	historical.Classification = domain.NameHistorical
	if _, err := names.Create(ctx, historical, "clerk"); err != nil {
		t.Fatalf("historical name in a disjoint period should succeed: %v", err)
	}
}

func TestNameRequiresEntityCurrentBelief(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	names := m.Names()

	fact := officialName(uuid.New(), "вулиця Садова", "ukr", domain.UnboundedFrom(date(2020, 1, 1)))
	if _, err := names.Create(ctx, fact, "clerk"); !errors.Is(err, domain.ErrReferentialViolation) {
		t.Fatalf("name for an unknown entity should fail with ErrReferentialViolation, got %v", err)
	}

	fact.EntityID = uuid.Nil
	if _, err := names.Create(ctx, fact, "clerk"); !errors.Is(err, domain.ErrReferentialViolation) {
		t.Fatalf("name without an entity should fail with ErrReferentialViolation, got %v", err)
	}
}

func TestRetractEntityCascadesToNames(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	ent, err := m.Entities().Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create entity failed: %v", err)
	}

	valid := domain.UnboundedFrom(date(2015, 1, 1))
	ukr, err := m.Names().Create(ctx, officialName(ent.EntityID, "проспект Миру", "ukr", valid), "clerk")
	if err != nil {
		t.Fatalf("ukrainian name failed: %v", err)
	}
	rus, err := m.Names().Create(ctx, officialName(ent.EntityID, "проспект Мира", "rus", valid), "clerk")
	if err != nil {
		t.Fatalf("russian name failed: %v", err)
	}

	if err := m.Entities().Retract(ctx, ent.VersionID, time.Time{}, "auditor"); err != nil {
		t.Fatalf("retract failed: %v", err)
	}

	for _, id := range []uuid.UUID{ukr.VersionID, rus.VersionID} {
		n, err := m.Names().GetVersion(ctx, id)
		if err != nil {
			t.Fatalf("get name version failed: %v", err)
		}
		if n.CurrentBelief() {
			t.Fatalf("name version %s should be logically retracted by the cascade", id)
		}
	}

	// One entity retraction plus two cascaded name retractions, all in the
	// same unit of work, all chained.
	entries, err := m.AuditLog().ListAll(ctx)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("expected 6 audit entries (3 creates, 3 retracts), got %d", len(entries))
	}
	if err := audit.Verify(entries); err != nil {
		t.Fatalf("audit chain should verify after cascade: %v", err)
	}
	retracts := 0
	for _, e := range entries {
		if e.Kind == audit.ChangeRetract {
			retracts++
		}
	}
	if retracts != 3 {
		t.Fatalf("expected 3 retract entries, got %d", retracts)
	}
}

func TestNoCascadeWhileEntityStillBelieved(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	entities := m.Entities()

	v1, err := entities.Create(ctx, streetFact(uuid.Nil, domain.NewTimeRange(date(2010, 1, 1), date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := entities.Create(ctx, streetFact(v1.EntityID, domain.UnboundedFrom(date(2015, 1, 1))), "clerk"); err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	name, err := m.Names().Create(ctx, officialName(v1.EntityID, "вулиця Шевченка", "ukr", domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("name create failed: %v", err)
	}

	// Retracting one of two current beliefs leaves the entity believed;
	// the names stay untouched.
	if err := entities.Retract(ctx, v1.VersionID, time.Time{}, "clerk"); err != nil {
		t.Fatalf("retract failed: %v", err)
	}
	n, err := m.Names().GetVersion(ctx, name.VersionID)
	if err != nil {
		t.Fatalf("get name failed: %v", err)
	}
	if !n.CurrentBelief() {
		t.Fatal("name must survive while the entity keeps a current belief")
	}
}

func TestSupersedeEquivalentToRetractThenCreate(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, m *Memory, supersede bool) []domain.Entity {
		entities := m.Entities()
		v1, err := entities.Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}
		next := streetFact(v1.EntityID, domain.UnboundedFrom(date(2015, 1, 1)))
		next.Geometry = "LINESTRING(30.5 50.4, 30.8 50.7)"

		if supersede {
			if _, err := entities.Supersede(ctx, v1.VersionID, next, "clerk"); err != nil {
				t.Fatalf("supersede failed: %v", err)
			}
		} else {
			if err := entities.Retract(ctx, v1.VersionID, time.Time{}, "clerk"); err != nil {
				t.Fatalf("retract failed: %v", err)
			}
			if _, err := entities.Create(ctx, next, "clerk"); err != nil {
				t.Fatalf("re-create failed: %v", err)
			}
		}

		versions, err := entities.ListVersions(ctx, v1.EntityID)
		if err != nil {
			t.Fatalf("list versions failed: %v", err)
		}
		var current []domain.Entity
		for _, v := range versions {
			if v.CurrentBelief() {
				current = append(current, v)
			}
		}
		return current
	}

	mA := newTestStore()
	mB := newTestStore()
	currentA := run(t, mA, true)
	currentB := run(t, mB, false)

	if len(currentA) != 1 || len(currentB) != 1 {
		t.Fatalf("both paths should leave exactly one current belief, got %d and %d", len(currentA), len(currentB))
	}
	if currentA[0].Geometry != currentB[0].Geometry || !currentA[0].Valid.Unbounded() || !currentB[0].Valid.Unbounded() {
		t.Fatal("both paths should present the same current state")
	}

	// The audit trails differ in shape: one supersede entry carries both
	// hashes, retract-then-create writes two entries.
	entriesA, _ := mA.AuditLog().ListAll(ctx)
	entriesB, _ := mB.AuditLog().ListAll(ctx)
	if len(entriesA) != 2 {
		t.Fatalf("supersede path should write 2 audit entries, got %d", len(entriesA))
	}
	if len(entriesB) != 3 {
		t.Fatalf("retract-then-create path should write 3 audit entries, got %d", len(entriesB))
	}
	last := entriesA[1]
	if last.Kind != audit.ChangeSupersede {
		t.Fatalf("expected supersede entry, got %s", last.Kind)
	}
	if last.PriorHash == audit.HashState(nil) || last.NewHash == audit.HashState(nil) {
		t.Fatal("supersede entry must hash both the prior and the new state")
	}
}

func TestOverlapPropertyRandomizedRanges(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()
	entities := m.Entities()
	rng := rand.New(rand.NewSource(42))

	entityID := uuid.New()
	base := date(2000, 1, 1)
	if _, err := entities.Create(ctx, streetFact(entityID, domain.NewTimeRange(base, base.AddDate(1, 0, 0))), "gen"); err != nil {
		t.Fatalf("seed create failed: %v", err)
	}

	for i := 0; i < 200; i++ {
		start := base.AddDate(0, 0, rng.Intn(365*20))
		var valid domain.TimeRange
		if rng.Intn(5) == 0 {
			valid = domain.UnboundedFrom(start)
		} else {
			valid = domain.NewTimeRange(start, start.AddDate(0, 0, 1+rng.Intn(365*3)))
		}
		_, err := entities.Create(ctx, streetFact(entityID, valid), "gen")
		if err != nil && !errors.Is(err, domain.ErrTemporalOverlap) {
			t.Fatalf("unexpected error on randomized create: %v", err)
		}
	}

	// However the accepted set came out, no instant may be covered by two
	// current beliefs.
	versions, err := entities.ListVersions(ctx, entityID)
	if err != nil {
		t.Fatalf("list versions failed: %v", err)
	}
	var current []domain.Entity
	for _, v := range versions {
		if v.CurrentBelief() {
			current = append(current, v)
		}
	}
	for i := 0; i < len(current); i++ {
		for j := i + 1; j < len(current); j++ {
			if current[i].Valid.Overlaps(current[j].Valid) {
				t.Fatalf("current beliefs %s and %s overlap: %s vs %s",
					current[i].VersionID, current[j].VersionID, current[i].Valid, current[j].Valid)
			}
		}
	}
}

func TestAuditChainVerifiesAfterWorkload(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	ent, err := m.Entities().Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	name, err := m.Names().Create(ctx, officialName(ent.EntityID, "проспект Миру", "ukr", domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("name create failed: %v", err)
	}
	renamed := officialName(ent.EntityID, "проспект Героїв", "ukr", domain.UnboundedFrom(date(2023, 1, 1)))
	if _, err := m.Names().Supersede(ctx, name.VersionID, renamed, "editor"); err != nil {
		t.Fatalf("name supersede failed: %v", err)
	}
	if err := m.Entities().Retract(ctx, ent.VersionID, time.Time{}, "auditor"); err != nil {
		t.Fatalf("retract failed: %v", err)
	}

	entries, err := m.AuditLog().ListAll(ctx)
	if err != nil {
		t.Fatalf("list audit failed: %v", err)
	}
	if err := audit.Verify(entries); err != nil {
		t.Fatalf("chain should verify end to end: %v", err)
	}

	// Per-record extraction verifies too.
	forName, err := m.AuditLog().ListByRecord(ctx, name.NameID)
	if err != nil {
		t.Fatalf("list by record failed: %v", err)
	}
	if len(forName) != 3 {
		t.Fatalf("expected create, supersede and cascaded retract for the name, got %d entries", len(forName))
	}
	if err := audit.VerifyRecord(forName); err != nil {
		t.Fatalf("record chain should verify: %v", err)
	}
}

func TestNormalizedKeyComputedAtWrite(t *testing.T) {
	ctx := context.Background()
	m := newTestStore()

	ent, err := m.Entities().Create(ctx, streetFact(uuid.Nil, domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	name, err := m.Names().Create(ctx, officialName(ent.EntityID, "Вулиця Івана Франка", "ukr", domain.UnboundedFrom(date(2015, 1, 1))), "clerk")
	if err != nil {
		t.Fatalf("name create failed: %v", err)
	}
	if name.NormalizedKey != "вулиця ивана франка" {
		t.Fatalf("unexpected normalized key %q", name.NormalizedKey)
	}
	if name.Reliability != domain.ReliabilityHigh {
		t.Fatalf("reliability should carry through, got %q", name.Reliability)
	}
}
