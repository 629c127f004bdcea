package models

import (
	"time"

	"github.com/google/uuid"
)

// HOAStatus is the tri-state homeowners-association flag on a parcel.
type HOAStatus string

const (
	HOAUnknown HOAStatus = "unknown"
	HOAYes     HOAStatus = "yes"
	HOANo      HOAStatus = "no"
)

// FootprintKind classifies a stored building footprint.
type FootprintKind string

const (
	FootprintMain        FootprintKind = "main"
	FootprintOutbuilding FootprintKind = "outbuilding"
	FootprintPool        FootprintKind = "pool"
	FootprintOther       FootprintKind = "other"
)

// DetectionKind classifies an obstacle detection record.
// Only pools are modeled today; the enum exists so the cache read can be
// keyed by kind when more detectors come online.
type DetectionKind string

const (
	DetectionPool DetectionKind = "pool"
)

// Parcel represents a residential land unit with boundary geometry.
// All nullable fields use pointers to distinguish between zero values and NULL.
// The pipeline mutates RearFreeSqft, HasPool, Qualifies and Rationale in
// place as stages complete; parcels are never deleted by the pipeline.
type Parcel struct {
	ID         uuid.UUID `json:"id"`
	Source     string    `json:"source"`
	ExternalID string    `json:"externalId"`
	Address    *string   `json:"address,omitempty"`
	Geom       Polygon   `json:"geometry"`
	Centroid   Point     `json:"centroid"`
	LotSqft    float64   `json:"lotSqft"`
	ZoningCode *string   `json:"zoningCode,omitempty"`

	LastSalePrice *int64     `json:"lastSalePrice,omitempty"`
	LastSaleDate  *time.Time `json:"lastSaleDate,omitempty"`
	HOAStatus     HOAStatus  `json:"hoaStatus"`

	// HasPool is tri-state: nil means detection has not run.
	HasPool *bool `json:"hasPool,omitempty"`

	// RearFreeSqft is nil until the rear-yard estimate has been computed.
	// RearApproximate marks the estimate as a heuristic fallback rather
	// than a footprint-and-frontage derived value.
	RearFreeSqft    *float64 `json:"rearFreeSqft,omitempty"`
	RearApproximate bool     `json:"rearApproximate"`

	// Qualifies is nil while the verdict is pending.
	Qualifies *bool   `json:"qualifies,omitempty"`
	Rationale *string `json:"rationale,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BuildingFootprint is a structure footprint stored for a parcel.
// The rear-yard estimator prefers the footprint flagged primary and falls
// back to the largest one.
type BuildingFootprint struct {
	ID         uuid.UUID     `json:"id"`
	ParcelID   uuid.UUID     `json:"parcelId"`
	Geom       Polygon       `json:"geometry"`
	AreaSqft   float64       `json:"areaSqft"`
	Kind       FootprintKind `json:"kind"`
	IsPrimary  bool          `json:"isPrimary"`
	Source     string        `json:"source"`
	Confidence *float64      `json:"confidence,omitempty"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ObstacleDetection is one cached obstacle-detector result for a parcel.
// A detection within the validity window stands in for a fresh call,
// including negative results (zero confidence, empty geometry) so that
// parcels without pools are not re-queried every search.
type ObstacleDetection struct {
	ID         uuid.UUID     `json:"id"`
	ParcelID   uuid.UUID     `json:"parcelId"`
	Kind       DetectionKind `json:"kind"`
	Geom       Polygon       `json:"geometry"`
	Confidence float64       `json:"confidence"`
	DetectedAt time.Time     `json:"detectedAt"`
}

// AdjudicationUsage is one row per external adjudication call, used purely
// for cost accounting and budget enforcement. Append-only.
type AdjudicationUsage struct {
	ID        uuid.UUID `json:"id"`
	SearchID  uuid.UUID `json:"searchId"`
	ParcelID  uuid.UUID `json:"parcelId"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Units     int       `json:"units"`
	CostUSD   float64   `json:"costUsd"`
	CreatedAt time.Time `json:"createdAt"`
}
