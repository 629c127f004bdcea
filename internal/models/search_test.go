package models

import (
	"testing"
	"time"
)

// closedRing returns a valid closed unit-square exterior ring.
func closedRing() [][2]float64 {
	return [][2]float64{
		{-118.5, 34.0}, {-118.4, 34.0}, {-118.4, 34.1}, {-118.5, 34.1}, {-118.5, 34.0},
	}
}

func TestSearchArea_Validate(t *testing.T) {
	tests := []struct {
		name      string
		area      SearchArea
		wantError bool
	}{
		{
			name: "valid closed ring",
			area: SearchArea{
				Geom: Polygon{Coordinates: [][][2]float64{closedRing()}, SRID: 4326},
			},
			wantError: false,
		},
		{
			name:      "empty geometry",
			area:      SearchArea{},
			wantError: true,
		},
		{
			name: "too few points",
			area: SearchArea{
				Geom: Polygon{Coordinates: [][][2]float64{
					{{0, 0}, {1, 0}, {0, 0}},
				}},
			},
			wantError: true,
		},
		{
			name: "open ring",
			area: SearchArea{
				Geom: Polygon{Coordinates: [][][2]float64{
					{{0, 0}, {1, 0}, {1, 1}, {0, 1}},
				}},
			},
			wantError: true,
		},
		{
			name: "longitude out of range",
			area: SearchArea{
				Geom: Polygon{Coordinates: [][][2]float64{
					{{-200, 34}, {-118, 34}, {-118, 35}, {-200, 35}, {-200, 34}},
				}},
			},
			wantError: true,
		},
		{
			name: "latitude out of range",
			area: SearchArea{
				Geom: Polygon{Coordinates: [][][2]float64{
					{{-118, 91}, {-117, 91}, {-117, 92}, {-118, 92}, {-118, 91}},
				}},
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.area.Validate()

			if tt.wantError && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSearchFilters_Normalize(t *testing.T) {
	t.Run("zero threshold gets default", func(t *testing.T) {
		f := SearchFilters{}

		f.Normalize()

		if f.MinRearSqft != DefaultMinRearSqft {
			t.Errorf("expected default threshold %f, got %f", DefaultMinRearSqft, f.MinRearSqft)
		}
	})

	t.Run("explicit threshold untouched", func(t *testing.T) {
		f := SearchFilters{MinRearSqft: 750}

		f.Normalize()

		if f.MinRearSqft != 750 {
			t.Errorf("expected threshold 750, got %f", f.MinRearSqft)
		}
	})
}

func TestSearchFilters_Validate(t *testing.T) {
	floatPtr := func(v float64) *float64 { return &v }
	hoaPtr := func(v HOAStatus) *HOAStatus { return &v }
	timePtr := func(v time.Time) *time.Time { return &v }

	tests := []struct {
		name      string
		filters   SearchFilters
		wantError bool
	}{
		{
			name:      "empty filters are valid",
			filters:   SearchFilters{},
			wantError: false,
		},
		{
			name:      "negative threshold",
			filters:   SearchFilters{MinRearSqft: -1},
			wantError: true,
		},
		{
			name:      "negative min lot size",
			filters:   SearchFilters{MinLotSqft: floatPtr(-100)},
			wantError: true,
		},
		{
			name: "min lot above max lot",
			filters: SearchFilters{
				MinLotSqft: floatPtr(10000),
				MaxLotSqft: floatPtr(5000),
			},
			wantError: true,
		},
		{
			name: "valid lot range",
			filters: SearchFilters{
				MinLotSqft: floatPtr(5000),
				MaxLotSqft: floatPtr(10000),
			},
			wantError: false,
		},
		{
			name:      "pool require",
			filters:   SearchFilters{Pool: PoolRequire},
			wantError: false,
		},
		{
			name:      "pool exclude",
			filters:   SearchFilters{Pool: PoolExclude},
			wantError: false,
		},
		{
			name:      "unknown pool requirement",
			filters:   SearchFilters{Pool: PoolRequirement("maybe")},
			wantError: true,
		},
		{
			name:      "valid hoa filter",
			filters:   SearchFilters{HOA: hoaPtr(HOANo)},
			wantError: false,
		},
		{
			name:      "invalid hoa filter",
			filters:   SearchFilters{HOA: hoaPtr(HOAStatus("sometimes"))},
			wantError: true,
		},
		{
			name: "sale date from after to",
			filters: SearchFilters{
				SaleDateFrom: timePtr(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
				SaleDateTo:   timePtr(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
			},
			wantError: true,
		},
		{
			name: "valid sale date range",
			filters: SearchFilters{
				SaleDateFrom: timePtr(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
				SaleDateTo:   timePtr(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			},
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filters.Validate()

			if tt.wantError && err == nil {
				t.Error("expected error but got none")
			}
			if !tt.wantError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
