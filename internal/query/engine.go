// Package query answers current-state and as-of questions against the
// committed version history. It never mutates; every answer comes from one
// consistent snapshot of the stores.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/rpattn/toponymdb/internal/domain"
	"github.com/rpattn/toponymdb/internal/normalize"
	"github.com/rpattn/toponymdb/internal/store"
)

// Filter narrows a query's result set. Zero values mean "no constraint".
// FuzzyName and NamePrefix are raw text; the engine normalizes them with
// the same function that produced the stored comparison keys. ValidAt
// restricts every mode to versions whose valid range contains the instant;
// combined with AsOfTransactionTime it reconstructs what an investigator
// saw on date t about what was true on date v.
type Filter struct {
	EntityType  domain.EntityType
	Language    string
	Region      *domain.BoundingBox
	NamePrefix  string
	FuzzyName   string
	MaxDistance int
	ValidAt     *time.Time
}

// Result pairs the entity versions and name versions visible to a query.
type Result struct {
	Entities []domain.Entity `json:"entities"`
	Names    []domain.Name   `json:"names"`
}

// Engine evaluates the three read modes over a store.Reader snapshot.
type Engine struct {
	reader store.Reader
}

// NewEngine builds a query engine over the given reader.
func NewEngine(reader store.Reader) *Engine {
	return &Engine{reader: reader}
}

// Current returns what we believe is true right now: open valid time and
// open transaction time.
func (e *Engine) Current(ctx context.Context, f Filter) (Result, error) {
	return e.evaluate(ctx, f,
		func(valid, txn domain.TimeRange) bool {
			return valid.Unbounded() && txn.Unbounded()
		})
}

// AsOfValidTime returns what was true in reality at instant v, according to
// our current belief.
func (e *Engine) AsOfValidTime(ctx context.Context, v time.Time, f Filter) (Result, error) {
	return e.evaluate(ctx, f,
		func(valid, txn domain.TimeRange) bool {
			return valid.Contains(v) && txn.Unbounded()
		})
}

// AsOfTransactionTime returns what the system believed at instant t,
// regardless of what it believes now. Combined with a valid-time filter it
// reconstructs exactly what an investigator saw on a given date.
func (e *Engine) AsOfTransactionTime(ctx context.Context, t time.Time, f Filter) (Result, error) {
	return e.evaluate(ctx, f,
		func(valid, txn domain.TimeRange) bool {
			return txn.Contains(t)
		})
}

func (e *Engine) evaluate(ctx context.Context, f Filter, visible func(valid, txn domain.TimeRange) bool) (Result, error) {
	// One snapshot for both lists; two separate reads could straddle a
	// retraction cascade and show a state no unit of work ever committed.
	snap, err := e.reader.Snapshot(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read version snapshot: %w", err)
	}

	matcher := newNameMatcher(f)

	visibleEntities := make(map[string]struct{})
	result := Result{Entities: []domain.Entity{}, Names: []domain.Name{}}
	for _, ent := range snap.Entities {
		if !visible(ent.Valid, ent.Txn) {
			continue
		}
		if f.ValidAt != nil && !ent.Valid.Contains(*f.ValidAt) {
			continue
		}
		if f.EntityType != "" && ent.Type != f.EntityType {
			continue
		}
		if f.Region != nil && !f.Region.Contains(ent.Centroid) {
			continue
		}
		result.Entities = append(result.Entities, ent)
		visibleEntities[ent.EntityID.String()] = struct{}{}
	}

	for _, n := range snap.Names {
		if !visible(n.Valid, n.Txn) {
			continue
		}
		if f.ValidAt != nil && !n.Valid.Contains(*f.ValidAt) {
			continue
		}
		// Names ride along with their entity's type and region filters.
		if _, ok := visibleEntities[n.EntityID.String()]; !ok && (f.EntityType != "" || f.Region != nil) {
			continue
		}
		if f.Language != "" && n.Language != f.Language {
			continue
		}
		if !matcher.matches(n.NormalizedKey) {
			continue
		}
		result.Names = append(result.Names, n)
	}

	// Name predicates restrict the entity list too: when the caller asks
	// for "streets named like X", entities without a matching name drop out.
	if matcher.active() {
		matched := make(map[string]struct{})
		for _, n := range result.Names {
			matched[n.EntityID.String()] = struct{}{}
		}
		kept := result.Entities[:0]
		for _, ent := range result.Entities {
			if _, ok := matched[ent.EntityID.String()]; ok {
				kept = append(kept, ent)
			}
		}
		result.Entities = kept
	}

	return result, nil
}

// nameMatcher evaluates the normalized-name prefix and fuzzy predicates.
type nameMatcher struct {
	prefix      string
	fuzzy       string
	maxDistance int
}

func newNameMatcher(f Filter) nameMatcher {
	m := nameMatcher{maxDistance: f.MaxDistance}
	if f.NamePrefix != "" {
		m.prefix = normalize.Normalize(f.NamePrefix, "")
	}
	if f.FuzzyName != "" {
		m.fuzzy = normalize.Normalize(f.FuzzyName, "")
		if m.maxDistance <= 0 {
			m.maxDistance = 1
		}
	}
	return m
}

func (m nameMatcher) active() bool {
	return m.prefix != "" || m.fuzzy != ""
}

func (m nameMatcher) matches(key string) bool {
	if m.prefix != "" && !strings.HasPrefix(key, m.prefix) {
		return false
	}
	if m.fuzzy != "" && levenshtein.ComputeDistance(key, m.fuzzy) > m.maxDistance {
		return false
	}
	return true
}
