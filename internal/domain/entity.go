package domain

import (
	"github.com/google/uuid"
)

// EntityType enumerates the kinds of geographic entity the store accepts.
type EntityType string

const (
	EntityTypeRegion          EntityType = "region"
	EntityTypeDistrict        EntityType = "district"
	EntityTypeCity            EntityType = "city"
	EntityTypeStreet          EntityType = "street"
	EntityTypeSquare          EntityType = "square"
	EntityTypePark            EntityType = "park"
	EntityTypeBuilding        EntityType = "building"
	EntityTypePointOfInterest EntityType = "point_of_interest"
	EntityTypeArea            EntityType = "area"
	EntityTypePath            EntityType = "path"
	EntityTypeWaterway        EntityType = "waterway"
)

// entityTypeRanks orders types from coarsest to finest grained. Used when
// presenting mixed result sets hierarchically.
var entityTypeRanks = map[EntityType]int{
	EntityTypeRegion:          1,
	EntityTypeCity:            2,
	EntityTypeDistrict:        3,
	EntityTypeArea:            4,
	EntityTypePark:            4,
	EntityTypeStreet:          5,
	EntityTypeSquare:          5,
	EntityTypePath:            5,
	EntityTypeWaterway:        5,
	EntityTypeBuilding:        6,
	EntityTypePointOfInterest: 7,
}

// Valid reports whether the type belongs to the fixed enumeration.
func (t EntityType) Valid() bool {
	_, ok := entityTypeRanks[t]
	return ok
}

// HierarchyRank returns the type's position in the geographic hierarchy,
// smaller is coarser. Zero for unknown types.
func (t EntityType) HierarchyRank() int {
	return entityTypeRanks[t]
}

// EntityTypes returns the enumeration in rank order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityTypeRegion,
		EntityTypeCity,
		EntityTypeDistrict,
		EntityTypeArea,
		EntityTypePark,
		EntityTypeStreet,
		EntityTypeSquare,
		EntityTypePath,
		EntityTypeWaterway,
		EntityTypeBuilding,
		EntityTypePointOfInterest,
	}
}

// Centroid is a representative point for bounding-region filters. Geometry
// computation is an external collaborator's job; the centroid arrives with
// the candidate fact.
type Centroid struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// BoundingBox is a lat/lon rectangle used as the query engine's bounding
// region filter.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the centroid falls inside the box.
func (b BoundingBox) Contains(c Centroid) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat &&
		c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// Entity is one immutable version row of a geographic entity. All versions
// of the same real-world thing share EntityID; VersionID addresses this row.
type Entity struct {
	VersionID       uuid.UUID  `json:"version_id"`
	EntityID        uuid.UUID  `json:"entity_id"`
	Type            EntityType `json:"entity_type"`
	Geometry        string     `json:"geometry"` // WKT, opaque to the engine
	Centroid        Centroid   `json:"centroid"`
	SourceAuthority string     `json:"source_authority"`
	Valid           TimeRange  `json:"valid"`
	Txn             TimeRange  `json:"txn"`
}

// CurrentBelief reports whether this version's transaction-time range is
// still open.
func (e Entity) CurrentBelief() bool {
	return e.Txn.Unbounded()
}

// EntityFact is a candidate fact submitted by an ingestion or correction
// collaborator. A zero EntityID asks the store to mint a new identity;
// a set EntityID adds another version of an existing entity.
type EntityFact struct {
	EntityID        uuid.UUID  `json:"entity_id,omitempty"`
	Type            EntityType `json:"entity_type"`
	Geometry        string     `json:"geometry"`
	Centroid        Centroid   `json:"centroid"`
	SourceAuthority string     `json:"source_authority"`
	Valid           TimeRange  `json:"valid"`
}

// Validate checks the fact's range and type before any store work happens.
func (f EntityFact) Validate() error {
	if err := f.Valid.Validate(); err != nil {
		return err
	}
	if !f.Type.Valid() {
		return ErrUnknownType
	}
	return nil
}
