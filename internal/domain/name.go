package domain

import (
	"github.com/google/uuid"
)

// NameClassification describes how a name relates to its entity.
type NameClassification string

const (
	NameOfficial     NameClassification = "official"
	NameHistorical   NameClassification = "historical"
	NameTraditional  NameClassification = "traditional"
	NameColloquial   NameClassification = "colloquial"
	NameMemorial     NameClassification = "memorial"
	NameOccupational NameClassification = "occupational"
	NameFormer       NameClassification = "former"
	NameVariant      NameClassification = "variant"
)

var nameClassifications = map[NameClassification]struct{}{
	NameOfficial:     {},
	NameHistorical:   {},
	NameTraditional:  {},
	NameColloquial:   {},
	NameMemorial:     {},
	NameOccupational: {},
	NameFormer:       {},
	NameVariant:      {},
}

// Valid reports whether the classification belongs to the enumeration.
func (c NameClassification) Valid() bool {
	_, ok := nameClassifications[c]
	return ok
}

// SourceReliability rates the source a name fact came from.
type SourceReliability string

const (
	ReliabilityHigh       SourceReliability = "high"
	ReliabilityMedium     SourceReliability = "medium"
	ReliabilityLow        SourceReliability = "low"
	ReliabilityUnverified SourceReliability = "unverified"
)

// Valid reports whether the rating belongs to the enumeration.
func (r SourceReliability) Valid() bool {
	switch r {
	case ReliabilityHigh, ReliabilityMedium, ReliabilityLow, ReliabilityUnverified:
		return true
	}
	return false
}

// Name is one immutable version row of a name attached to an entity. All
// versions of the same name share NameID; the non-overlap key for current
// beliefs is (EntityID, Language, Classification).
type Name struct {
	VersionID       uuid.UUID          `json:"version_id"`
	NameID          uuid.UUID          `json:"name_id"`
	EntityID        uuid.UUID          `json:"entity_id"`
	Text            string             `json:"name_text"`
	NormalizedKey   string             `json:"normalized_name"`
	Language        string             `json:"language_code"` // ISO 639-3: ukr, rus, eng, und
	Script          string             `json:"script_code"`   // ISO 15924: Cyrl, Latn
	Classification  NameClassification `json:"name_type"`
	DecreeAuthority string             `json:"decree_authority"`
	SourceType      string             `json:"source_type"`
	Reliability     SourceReliability  `json:"source_reliability"`
	Notes           string             `json:"notes,omitempty"`
	Valid           TimeRange          `json:"valid"`
	Txn             TimeRange          `json:"txn"`
}

// CurrentBelief reports whether this version's transaction-time range is
// still open.
func (n Name) CurrentBelief() bool {
	return n.Txn.Unbounded()
}

// NameFact is a candidate name fact. The normalized comparison key is
// computed by the store at write time, never supplied by the caller.
type NameFact struct {
	NameID          uuid.UUID          `json:"name_id,omitempty"`
	EntityID        uuid.UUID          `json:"entity_id"`
	Text            string             `json:"name_text"`
	Language        string             `json:"language_code"`
	Script          string             `json:"script_code"`
	Classification  NameClassification `json:"name_type"`
	DecreeAuthority string             `json:"decree_authority"`
	SourceType      string             `json:"source_type"`
	Reliability     SourceReliability  `json:"source_reliability"`
	Notes           string             `json:"notes,omitempty"`
	Valid           TimeRange          `json:"valid"`
}

// Validate checks the fact's range, classification and reliability.
func (f NameFact) Validate() error {
	if err := f.Valid.Validate(); err != nil {
		return err
	}
	if !f.Classification.Valid() {
		return ErrUnknownType
	}
	if f.Reliability != "" && !f.Reliability.Valid() {
		return ErrUnknownType
	}
	if f.EntityID == uuid.Nil {
		return ErrReferentialViolation
	}
	return nil
}
