package models

import (
	"errors"
	"fmt"
	"time"
)

// Default qualification threshold applied when a request omits MinRearSqft.
const DefaultMinRearSqft = 500.0

// PoolRequirement is the tri-state pool filter.
type PoolRequirement string

const (
	PoolAny     PoolRequirement = ""
	PoolRequire PoolRequirement = "require"
	PoolExclude PoolRequirement = "exclude"
)

// SearchArea is the AOI boundary polygon for one search.
// Immutable once a search starts.
type SearchArea struct {
	Geom Polygon `json:"geometry"`
}

// Validate checks that the AOI is a usable single-ring polygon.
func (a SearchArea) Validate() error {
	ring := a.Geom.ExteriorRing()
	if len(ring) < 4 {
		return errors.New("search area must be a polygon with at least 4 points")
	}
	if ring[0] != ring[len(ring)-1] {
		return errors.New("search area ring must be closed")
	}
	for _, pt := range ring {
		if pt[0] < -180 || pt[0] > 180 || pt[1] < -90 || pt[1] > 90 {
			return fmt.Errorf("search area coordinate out of range: (%f, %f)", pt[0], pt[1])
		}
	}
	return nil
}

// SearchFilters is the filter set applied to one search.
type SearchFilters struct {
	// MinRearSqft is the qualification threshold. Zero means
	// DefaultMinRearSqft is applied by Normalize.
	MinRearSqft float64 `json:"minRearSqft"`

	MinLotSqft *float64 `json:"minLotSqft,omitempty"`
	MaxLotSqft *float64 `json:"maxLotSqft,omitempty"`

	// ZoningCodes is an allow-list; empty means all zoning codes pass.
	ZoningCodes []string `json:"zoningCodes,omitempty"`

	Pool PoolRequirement `json:"pool,omitempty"`

	// HOA restricts results to a specific HOA status when set.
	HOA *HOAStatus `json:"hoa,omitempty"`

	SaleDateFrom *time.Time `json:"saleDateFrom,omitempty"`
	SaleDateTo   *time.Time `json:"saleDateTo,omitempty"`
}

// Normalize fills defaulted fields in place.
func (f *SearchFilters) Normalize() {
	if f.MinRearSqft == 0 {
		f.MinRearSqft = DefaultMinRearSqft
	}
}

// Validate checks filter invariants.
func (f SearchFilters) Validate() error {
	if f.MinRearSqft < 0 {
		return errors.New("minRearSqft must be non-negative")
	}
	if f.MinLotSqft != nil && *f.MinLotSqft < 0 {
		return errors.New("minLotSqft must be non-negative")
	}
	if f.MinLotSqft != nil && f.MaxLotSqft != nil && *f.MinLotSqft > *f.MaxLotSqft {
		return errors.New("minLotSqft must not exceed maxLotSqft")
	}
	switch f.Pool {
	case PoolAny, PoolRequire, PoolExclude:
	default:
		return fmt.Errorf("invalid pool requirement: %q", f.Pool)
	}
	if f.HOA != nil {
		switch *f.HOA {
		case HOAUnknown, HOAYes, HOANo:
		default:
			return fmt.Errorf("invalid hoa status: %q", *f.HOA)
		}
	}
	if f.SaleDateFrom != nil && f.SaleDateTo != nil && f.SaleDateFrom.After(*f.SaleDateTo) {
		return errors.New("saleDateFrom must not be after saleDateTo")
	}
	return nil
}
