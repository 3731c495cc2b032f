package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/toponymdb/internal/audit"
	"github.com/rpattn/toponymdb/internal/domain"
)

const (
	// pgSerializationFailure and pgDeadlockDetected mark races that are
	// safe to retry; pgExclusionViolation means the declarative overlap
	// constraint fired underneath the engine's own check.
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgExclusionViolation   = "23P01"
)

// Postgres is the pgx-backed storage backend. Conflicting writers on the
// same logical record serialize on a transaction-scoped advisory lock, so
// the overlap check and the version write commit as one unit of work
// together with the audit append.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// PostgresOption customizes a Postgres store.
type PostgresOption func(*Postgres)

// WithPostgresClock replaces the wall clock used for commit instants.
func WithPostgresClock(now func() time.Time) PostgresOption {
	return func(p *Postgres) {
		p.now = now
	}
}

// NewPostgres wraps an existing connection pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{pool: pool, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// commitInstant returns the unit of work's timestamp at the precision
// timestamptz keeps, so rows and audit hashes survive a database
// round-trip unchanged.
func (p *Postgres) commitInstant() time.Time {
	return p.now().UTC().Truncate(time.Microsecond)
}

// Entities returns the entity-facing store surface.
func (p *Postgres) Entities() EntityStore { return &pgEntities{p} }

// Names returns the name-facing store surface.
func (p *Postgres) Names() NameStore { return &pgNames{p} }

// AuditLog exposes the persisted audit chain.
func (p *Postgres) AuditLog() audit.Log { return &pgAuditLog{pool: p.pool} }

func (p *Postgres) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapPgError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// mapPgError translates driver-level conflict codes into the engine's
// error taxonomy. Retryable races become ErrWriteConflict; an exclusion
// violation that slipped past the advisory lock is still a genuine overlap.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %s", domain.ErrWriteConflict, pgErr.Code)
		case pgExclusionViolation:
			return fmt.Errorf("%w: %s", domain.ErrTemporalOverlap, pgErr.ConstraintName)
		}
	}
	return err
}

// lockRecord serializes writers touching the same logical record for the
// rest of the transaction.
func lockRecord(ctx context.Context, tx pgx.Tx, recordID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, recordID.String()); err != nil {
		return fmt.Errorf("acquire record lock: %w", err)
	}
	return nil
}

// appendAudit assigns the next global sequence number, links the entry to
// the record's chain and persists it, all inside the caller's transaction.
func appendAudit(ctx context.Context, tx pgx.Tx, recordID uuid.UUID, kind audit.ChangeKind, actor string, at time.Time, prior, next any) (audit.Entry, error) {
	var seq int64
	if err := tx.QueryRow(ctx, `UPDATE toponyms.audit_seq SET value = value + 1 RETURNING value`).Scan(&seq); err != nil {
		return audit.Entry{}, fmt.Errorf("advance audit sequence: %w", err)
	}

	prevHash := ""
	err := tx.QueryRow(ctx,
		`SELECT entry_hash FROM toponyms.audit_log WHERE record_id = $1 ORDER BY seq DESC LIMIT 1`,
		recordID,
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return audit.Entry{}, fmt.Errorf("load previous audit entry: %w", err)
	}

	entry := audit.NewEntry(seq, recordID, kind, actor, at, prior, next, prevHash)
	if _, err := tx.Exec(ctx,
		`INSERT INTO toponyms.audit_log
		 (seq, record_id, change_kind, actor, recorded_at, prior_hash, new_hash, prev_hash, entry_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.Seq, entry.RecordID, string(entry.Kind), entry.Actor, entry.RecordedAt,
		entry.PriorHash, entry.NewHash, entry.PrevHash, entry.EntryHash,
	); err != nil {
		return audit.Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	return entry, nil
}

const entityColumns = `version_id, entity_id, entity_type, geometry_wkt, centroid_lon, centroid_lat,
	source_authority, valid_start, valid_end, txn_start, txn_end`

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var e domain.Entity
	var validEnd, txnEnd *time.Time
	err := row.Scan(
		&e.VersionID, &e.EntityID, &e.Type, &e.Geometry, &e.Centroid.Lon, &e.Centroid.Lat,
		&e.SourceAuthority, &e.Valid.Start, &validEnd, &e.Txn.Start, &txnEnd,
	)
	if err != nil {
		return domain.Entity{}, err
	}
	e.Valid.End = validEnd
	e.Txn.End = txnEnd
	return e, nil
}

func insertEntity(ctx context.Context, tx pgx.Tx, e domain.Entity) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO toponyms.entities
		 (version_id, entity_id, entity_type, geometry_wkt, centroid_lon, centroid_lat,
		  source_authority, valid_start, valid_end, txn_start, txn_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		e.VersionID, e.EntityID, string(e.Type), e.Geometry, e.Centroid.Lon, e.Centroid.Lat,
		e.SourceAuthority, e.Valid.Start, e.Valid.End, e.Txn.Start,
	)
	if err != nil {
		return fmt.Errorf("insert entity version: %w", err)
	}
	return nil
}

// overlappingEntityTx looks for a current-belief version of entityID whose
// valid range intersects valid. exclude skips the row being superseded.
func overlappingEntityTx(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, valid domain.TimeRange, exclude uuid.UUID) (*domain.TemporalOverlapError, error) {
	var versionID uuid.UUID
	var start time.Time
	var end *time.Time
	err := tx.QueryRow(ctx,
		`SELECT version_id, valid_start, valid_end
		 FROM toponyms.entities
		 WHERE entity_id = $1
		   AND txn_end IS NULL
		   AND version_id <> $2
		   AND tstzrange(valid_start, valid_end) && tstzrange($3::timestamptz, $4::timestamptz)
		 LIMIT 1`,
		entityID, exclude, valid.Start, valid.End,
	).Scan(&versionID, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check valid-time overlap: %w", err)
	}
	return &domain.TemporalOverlapError{ConflictVersionID: versionID, ConflictRange: domain.TimeRange{Start: start, End: end}}, nil
}

func entityHasCurrentBeliefTx(ctx context.Context, tx pgx.Tx, entityID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM toponyms.entities WHERE entity_id = $1 AND txn_end IS NULL)`,
		entityID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check current belief: %w", err)
	}
	return exists, nil
}

type pgEntities struct {
	p *Postgres
}

func (s *pgEntities) Create(ctx context.Context, fact domain.EntityFact, actor string) (domain.Entity, error) {
	if err := fact.Validate(); err != nil {
		return domain.Entity{}, err
	}

	entityID := fact.EntityID
	if entityID == uuid.Nil {
		entityID = uuid.New()
	}

	var row domain.Entity
	err := s.p.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockRecord(ctx, tx, entityID); err != nil {
			return err
		}
		conflict, err := overlappingEntityTx(ctx, tx, entityID, fact.Valid, uuid.Nil)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		now := s.p.commitInstant()
		row = domain.Entity{
			VersionID:       uuid.New(),
			EntityID:        entityID,
			Type:            fact.Type,
			Geometry:        fact.Geometry,
			Centroid:        fact.Centroid,
			SourceAuthority: fact.SourceAuthority,
			Valid:           fact.Valid,
			Txn:             domain.UnboundedFrom(now),
		}
		if err := insertEntity(ctx, tx, row); err != nil {
			return err
		}
		_, err = appendAudit(ctx, tx, entityID, audit.ChangeCreate, actor, now, nil, row)
		return err
	})
	if err != nil {
		return domain.Entity{}, err
	}
	return row, nil
}

func (s *pgEntities) Supersede(ctx context.Context, versionID uuid.UUID, fact domain.EntityFact, actor string) (domain.Entity, error) {
	if err := fact.Validate(); err != nil {
		return domain.Entity{}, err
	}

	var row domain.Entity
	err := s.p.withTx(ctx, func(tx pgx.Tx) error {
		old, err := scanEntity(tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM toponyms.entities WHERE version_id = $1`, versionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
		}
		if err != nil {
			return fmt.Errorf("load entity version: %w", err)
		}
		if err := lockRecord(ctx, tx, old.EntityID); err != nil {
			return err
		}
		// Re-read under the lock; a racing writer may have closed the row.
		old, err = scanEntity(tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM toponyms.entities WHERE version_id = $1`, versionID))
		if err != nil {
			return fmt.Errorf("load entity version: %w", err)
		}
		if !old.CurrentBelief() {
			return fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
		}
		if fact.EntityID != uuid.Nil && fact.EntityID != old.EntityID {
			return fmt.Errorf("%w: fact addresses entity %s but version %s belongs to %s", domain.ErrUnknownRecord, fact.EntityID, versionID, old.EntityID)
		}

		conflict, err := overlappingEntityTx(ctx, tx, old.EntityID, fact.Valid, versionID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		now := s.p.commitInstant()
		if _, err := tx.Exec(ctx,
			`UPDATE toponyms.entities SET txn_end = $1 WHERE version_id = $2`, now, versionID); err != nil {
			return fmt.Errorf("close superseded version: %w", err)
		}

		row = domain.Entity{
			VersionID:       uuid.New(),
			EntityID:        old.EntityID,
			Type:            fact.Type,
			Geometry:        fact.Geometry,
			Centroid:        fact.Centroid,
			SourceAuthority: fact.SourceAuthority,
			Valid:           fact.Valid,
			Txn:             domain.UnboundedFrom(now),
		}
		if err := insertEntity(ctx, tx, row); err != nil {
			return err
		}
		_, err = appendAudit(ctx, tx, old.EntityID, audit.ChangeSupersede, actor, now, old, row)
		return err
	})
	if err != nil {
		return domain.Entity{}, err
	}
	return row, nil
}

func (s *pgEntities) Retract(ctx context.Context, versionID uuid.UUID, asOf time.Time, actor string) error {
	return s.p.withTx(ctx, func(tx pgx.Tx) error {
		old, err := scanEntity(tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM toponyms.entities WHERE version_id = $1`, versionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
		}
		if err != nil {
			return fmt.Errorf("load entity version: %w", err)
		}
		if err := lockRecord(ctx, tx, old.EntityID); err != nil {
			return err
		}
		old, err = scanEntity(tx.QueryRow(ctx,
			`SELECT `+entityColumns+` FROM toponyms.entities WHERE version_id = $1`, versionID))
		if err != nil {
			return fmt.Errorf("load entity version: %w", err)
		}
		if !old.CurrentBelief() {
			return fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
		}

		now := s.p.commitInstant()
		closeAt := now
		if !asOf.IsZero() {
			// Transaction time is system assigned: a belief closes at the
			// commit instant or later, never retroactively.
			if asOf.Before(now) {
				return fmt.Errorf("%w: retraction instant precedes the commit instant", domain.ErrInvalidRange)
			}
			closeAt = asOf.UTC().Truncate(time.Microsecond)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE toponyms.entities SET txn_end = $1 WHERE version_id = $2`, closeAt, versionID); err != nil {
			return fmt.Errorf("close retracted version: %w", err)
		}
		if _, err := appendAudit(ctx, tx, old.EntityID, audit.ChangeRetract, actor, now, old, nil); err != nil {
			return err
		}

		// Cascade: the entity's names lose their current belief once the
		// entity itself has none left.
		remaining, err := entityHasCurrentBeliefTx(ctx, tx, old.EntityID)
		if err != nil {
			return err
		}
		if remaining {
			return nil
		}

		rows, err := tx.Query(ctx,
			`SELECT `+nameColumns+` FROM toponyms.names WHERE entity_id = $1 AND txn_end IS NULL FOR UPDATE`,
			old.EntityID)
		if err != nil {
			return fmt.Errorf("load cascading names: %w", err)
		}
		names, err := collectNames(rows)
		if err != nil {
			return err
		}
		for _, n := range names {
			if _, err := tx.Exec(ctx,
				`UPDATE toponyms.names SET txn_end = $1 WHERE version_id = $2`, closeAt, n.VersionID); err != nil {
				return fmt.Errorf("close cascaded name version: %w", err)
			}
			if _, err := appendAudit(ctx, tx, n.NameID, audit.ChangeRetract, actor, now, n, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *pgEntities) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.Entity, error) {
	row, err := scanEntity(s.p.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM toponyms.entities WHERE version_id = $1`, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Entity{}, fmt.Errorf("%w: entity version %s", domain.ErrUnknownRecord, versionID)
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("get entity version: %w", err)
	}
	return row, nil
}

func (s *pgEntities) ListVersions(ctx context.Context, entityID uuid.UUID) ([]domain.Entity, error) {
	rows, err := s.p.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM toponyms.entities WHERE entity_id = $1 ORDER BY txn_start, version_id`,
		entityID)
	if err != nil {
		return nil, fmt.Errorf("list entity versions: %w", err)
	}
	out, err := collectEntities(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: entity %s", domain.ErrUnknownRecord, entityID)
	}
	return out, nil
}

// EntityVersions streams the full entity history for queries and export.
func (p *Postgres) EntityVersions(ctx context.Context) ([]domain.Entity, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM toponyms.entities ORDER BY txn_start, version_id`)
	if err != nil {
		return nil, fmt.Errorf("list entity versions: %w", err)
	}
	return collectEntities(rows)
}

// NameVersions streams the full name history for queries and export.
func (p *Postgres) NameVersions(ctx context.Context) ([]domain.Name, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+nameColumns+` FROM toponyms.names ORDER BY txn_start, version_id`)
	if err != nil {
		return nil, fmt.Errorf("list name versions: %w", err)
	}
	return collectNames(rows)
}

// Snapshot reads both histories inside one repeatable read transaction, so
// the pair reflects a single committed state even while writers commit
// between the two scans.
func (p *Postgres) Snapshot(ctx context.Context) (Snapshot, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var snap Snapshot
	rows, err := tx.Query(ctx,
		`SELECT `+entityColumns+` FROM toponyms.entities ORDER BY txn_start, version_id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list entity versions: %w", err)
	}
	if snap.Entities, err = collectEntities(rows); err != nil {
		return Snapshot{}, err
	}
	rows, err = tx.Query(ctx,
		`SELECT `+nameColumns+` FROM toponyms.names ORDER BY txn_start, version_id`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list name versions: %w", err)
	}
	if snap.Names, err = collectNames(rows); err != nil {
		return Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return snap, nil
}

func collectEntities(rows pgx.Rows) ([]domain.Entity, error) {
	defer rows.Close()
	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity version: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entity versions: %w", err)
	}
	return out, nil
}

const nameColumns = `version_id, name_id, entity_id, name_text, normalized_name, language_code,
	script_code, name_type, decree_authority, source_type, source_reliability, notes,
	valid_start, valid_end, txn_start, txn_end`

func scanName(row pgx.Row) (domain.Name, error) {
	var n domain.Name
	var validEnd, txnEnd *time.Time
	err := row.Scan(
		&n.VersionID, &n.NameID, &n.EntityID, &n.Text, &n.NormalizedKey, &n.Language,
		&n.Script, &n.Classification, &n.DecreeAuthority, &n.SourceType, &n.Reliability, &n.Notes,
		&n.Valid.Start, &validEnd, &n.Txn.Start, &txnEnd,
	)
	if err != nil {
		return domain.Name{}, err
	}
	n.Valid.End = validEnd
	n.Txn.End = txnEnd
	return n, nil
}

func collectNames(rows pgx.Rows) ([]domain.Name, error) {
	defer rows.Close()
	var out []domain.Name
	for rows.Next() {
		n, err := scanName(rows)
		if err != nil {
			return nil, fmt.Errorf("scan name version: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate name versions: %w", err)
	}
	return out, nil
}

func insertName(ctx context.Context, tx pgx.Tx, n domain.Name) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO toponyms.names
		 (version_id, name_id, entity_id, name_text, normalized_name, language_code,
		  script_code, name_type, decree_authority, source_type, source_reliability, notes,
		  valid_start, valid_end, txn_start, txn_end)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULL)`,
		n.VersionID, n.NameID, n.EntityID, n.Text, n.NormalizedKey, n.Language,
		n.Script, string(n.Classification), n.DecreeAuthority, n.SourceType, string(n.Reliability), n.Notes,
		n.Valid.Start, n.Valid.End, n.Txn.Start,
	)
	if err != nil {
		return fmt.Errorf("insert name version: %w", err)
	}
	return nil
}

func overlappingNameTx(ctx context.Context, tx pgx.Tx, entityID uuid.UUID, language string, class domain.NameClassification, valid domain.TimeRange, exclude uuid.UUID) (*domain.TemporalOverlapError, error) {
	var versionID uuid.UUID
	var start time.Time
	var end *time.Time
	err := tx.QueryRow(ctx,
		`SELECT version_id, valid_start, valid_end
		 FROM toponyms.names
		 WHERE entity_id = $1
		   AND language_code = $2
		   AND name_type = $3
		   AND txn_end IS NULL
		   AND version_id <> $4
		   AND tstzrange(valid_start, valid_end) && tstzrange($5::timestamptz, $6::timestamptz)
		 LIMIT 1`,
		entityID, language, string(class), exclude, valid.Start, valid.End,
	).Scan(&versionID, &start, &end)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("check valid-time overlap: %w", err)
	}
	return &domain.TemporalOverlapError{ConflictVersionID: versionID, ConflictRange: domain.TimeRange{Start: start, End: end}}, nil
}

type pgNames struct {
	p *Postgres
}

func (s *pgNames) Create(ctx context.Context, fact domain.NameFact, actor string) (domain.Name, error) {
	if err := fact.Validate(); err != nil {
		return domain.Name{}, err
	}

	var row domain.Name
	err := s.p.withTx(ctx, func(tx pgx.Tx) error {
		// Name invariants are scoped per entity, so name writers serialize
		// on the entity's lock; the retraction cascade holds the same lock.
		if err := lockRecord(ctx, tx, fact.EntityID); err != nil {
			return err
		}
		ok, err := entityHasCurrentBeliefTx(ctx, tx, fact.EntityID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entity %s has no current belief", domain.ErrReferentialViolation, fact.EntityID)
		}

		conflict, err := overlappingNameTx(ctx, tx, fact.EntityID, fact.Language, fact.Classification, fact.Valid, uuid.Nil)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		nameID := fact.NameID
		if nameID == uuid.Nil {
			nameID = uuid.New()
		}
		now := s.p.commitInstant()
		row = buildName(nameID, fact, now)

		if err := insertName(ctx, tx, row); err != nil {
			return err
		}
		_, err = appendAudit(ctx, tx, nameID, audit.ChangeCreate, actor, now, nil, row)
		return err
	})
	if err != nil {
		return domain.Name{}, err
	}
	return row, nil
}

func (s *pgNames) Supersede(ctx context.Context, versionID uuid.UUID, fact domain.NameFact, actor string) (domain.Name, error) {
	if err := fact.Validate(); err != nil {
		return domain.Name{}, err
	}

	var row domain.Name
	err := s.p.withTx(ctx, func(tx pgx.Tx) error {
		old, err := scanName(tx.QueryRow(ctx,
			`SELECT `+nameColumns+` FROM toponyms.names WHERE version_id = $1`, versionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
		}
		if err != nil {
			return fmt.Errorf("load name version: %w", err)
		}

		// Lock both entities in a stable order when a supersede moves the
		// name, so two movers cannot deadlock.
		lockIDs := []uuid.UUID{old.EntityID}
		if fact.EntityID != old.EntityID {
			lockIDs = append(lockIDs, fact.EntityID)
			if lockIDs[1].String() < lockIDs[0].String() {
				lockIDs[0], lockIDs[1] = lockIDs[1], lockIDs[0]
			}
		}
		for _, id := range lockIDs {
			if err := lockRecord(ctx, tx, id); err != nil {
				return err
			}
		}

		old, err = scanName(tx.QueryRow(ctx,
			`SELECT `+nameColumns+` FROM toponyms.names WHERE version_id = $1`, versionID))
		if err != nil {
			return fmt.Errorf("load name version: %w", err)
		}
		if !old.CurrentBelief() {
			return fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
		}

		ok, err := entityHasCurrentBeliefTx(ctx, tx, fact.EntityID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entity %s has no current belief", domain.ErrReferentialViolation, fact.EntityID)
		}

		conflict, err := overlappingNameTx(ctx, tx, fact.EntityID, fact.Language, fact.Classification, fact.Valid, versionID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return conflict
		}

		now := s.p.commitInstant()
		if _, err := tx.Exec(ctx,
			`UPDATE toponyms.names SET txn_end = $1 WHERE version_id = $2`, now, versionID); err != nil {
			return fmt.Errorf("close superseded version: %w", err)
		}

		row = buildName(old.NameID, fact, now)

		if err := insertName(ctx, tx, row); err != nil {
			return err
		}
		_, err = appendAudit(ctx, tx, old.NameID, audit.ChangeSupersede, actor, now, old, row)
		return err
	})
	if err != nil {
		return domain.Name{}, err
	}
	return row, nil
}

func (s *pgNames) Retract(ctx context.Context, versionID uuid.UUID, asOf time.Time, actor string) error {
	return s.p.withTx(ctx, func(tx pgx.Tx) error {
		old, err := scanName(tx.QueryRow(ctx,
			`SELECT `+nameColumns+` FROM toponyms.names WHERE version_id = $1`, versionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
		}
		if err != nil {
			return fmt.Errorf("load name version: %w", err)
		}
		if err := lockRecord(ctx, tx, old.EntityID); err != nil {
			return err
		}
		old, err = scanName(tx.QueryRow(ctx,
			`SELECT `+nameColumns+` FROM toponyms.names WHERE version_id = $1`, versionID))
		if err != nil {
			return fmt.Errorf("load name version: %w", err)
		}
		if !old.CurrentBelief() {
			return fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
		}

		now := s.p.commitInstant()
		closeAt := now
		if !asOf.IsZero() {
			if asOf.Before(now) {
				return fmt.Errorf("%w: retraction instant precedes the commit instant", domain.ErrInvalidRange)
			}
			closeAt = asOf.UTC().Truncate(time.Microsecond)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE toponyms.names SET txn_end = $1 WHERE version_id = $2`, closeAt, versionID); err != nil {
			return fmt.Errorf("close retracted version: %w", err)
		}
		_, err = appendAudit(ctx, tx, old.NameID, audit.ChangeRetract, actor, now, old, nil)
		return err
	})
}

func (s *pgNames) GetVersion(ctx context.Context, versionID uuid.UUID) (domain.Name, error) {
	row, err := scanName(s.p.pool.QueryRow(ctx,
		`SELECT `+nameColumns+` FROM toponyms.names WHERE version_id = $1`, versionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Name{}, fmt.Errorf("%w: name version %s", domain.ErrUnknownRecord, versionID)
	}
	if err != nil {
		return domain.Name{}, fmt.Errorf("get name version: %w", err)
	}
	return row, nil
}

func (s *pgNames) ListVersions(ctx context.Context, nameID uuid.UUID) ([]domain.Name, error) {
	rows, err := s.p.pool.Query(ctx,
		`SELECT `+nameColumns+` FROM toponyms.names WHERE name_id = $1 ORDER BY txn_start, version_id`,
		nameID)
	if err != nil {
		return nil, fmt.Errorf("list name versions: %w", err)
	}
	out, err := collectNames(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: name %s", domain.ErrUnknownRecord, nameID)
	}
	return out, nil
}

type pgAuditLog struct {
	pool *pgxpool.Pool
}

const auditColumns = `seq, record_id, change_kind, actor, recorded_at, prior_hash, new_hash, prev_hash, entry_hash`

func scanAuditEntry(row pgx.Row) (audit.Entry, error) {
	var e audit.Entry
	err := row.Scan(&e.Seq, &e.RecordID, &e.Kind, &e.Actor, &e.RecordedAt,
		&e.PriorHash, &e.NewHash, &e.PrevHash, &e.EntryHash)
	return e, err
}

func (l *pgAuditLog) ListByRecord(ctx context.Context, recordID uuid.UUID) ([]audit.Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM toponyms.audit_log WHERE record_id = $1 ORDER BY seq`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return collectAuditEntries(rows)
}

func (l *pgAuditLog) ListAll(ctx context.Context) ([]audit.Entry, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT `+auditColumns+` FROM toponyms.audit_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows pgx.Rows) ([]audit.Entry, error) {
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}
