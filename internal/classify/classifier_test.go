package classify

import (
	"math"
	"testing"

	"github.com/lotscout/api/internal/models"
	"github.com/stretchr/testify/assert"
)

func parcelWithRear(rear float64, approximate bool) *models.Parcel {
	return &models.Parcel{RearFreeSqft: &rear, RearApproximate: approximate}
}

func TestIsEdgeCase_ThresholdBand(t *testing.T) {
	c := New(DefaultTolerance)
	threshold := 500.0

	tests := []struct {
		name     string
		rear     float64
		expected bool
	}{
		{"well below threshold", 100, false},
		{"just inside lower band", 455, true},
		{"exactly at lower band edge", 450, true},
		{"just outside lower band", 449, false},
		{"exactly at threshold", 500, true},
		{"just inside upper band", 545, true},
		{"exactly at upper band edge", 550, true},
		{"just outside upper band", 551, false},
		{"well above threshold", 2000, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parcelWithRear(tt.rear, false)
			assert.Equal(t, tt.expected, c.IsEdgeCase(p, threshold, models.SearchFilters{}))
		})
	}
}

func TestIsEdgeCase_MissingRearEstimate(t *testing.T) {
	c := New(DefaultTolerance)
	p := &models.Parcel{}

	assert.True(t, c.IsEdgeCase(p, 500, models.SearchFilters{}))
}

func TestIsEdgeCase_ApproximateEstimate(t *testing.T) {
	c := New(DefaultTolerance)
	// Far from the threshold, but the estimate itself is unreliable.
	p := parcelWithRear(5000, true)

	assert.True(t, c.IsEdgeCase(p, 500, models.SearchFilters{}))
}

func TestIsEdgeCase_PoolMismatch(t *testing.T) {
	c := New(DefaultTolerance)
	hasPool := true
	noPool := false

	tests := []struct {
		name     string
		pool     models.PoolRequirement
		detected *bool
		expected bool
	}{
		{"no filter, pool detected", models.PoolAny, &hasPool, false},
		{"require pool, pool detected", models.PoolRequire, &hasPool, false},
		{"require pool, no pool detected", models.PoolRequire, &noPool, true},
		{"exclude pool, pool detected", models.PoolExclude, &hasPool, true},
		{"exclude pool, no pool detected", models.PoolExclude, &noPool, false},
		{"require pool, detection unknown", models.PoolRequire, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Rear yard far above the band so only the pool rule can flag.
			p := parcelWithRear(5000, false)
			p.HasPool = tt.detected
			filters := models.SearchFilters{Pool: tt.pool}

			assert.Equal(t, tt.expected, c.IsEdgeCase(p, 500, filters))
		})
	}
}

func TestDistance(t *testing.T) {
	c := New(DefaultTolerance)

	assert.InDelta(t, 100.0, c.Distance(parcelWithRear(400, false), 500), 1e-9)
	assert.InDelta(t, 100.0, c.Distance(parcelWithRear(600, false), 500), 1e-9)
	assert.True(t, math.IsInf(c.Distance(&models.Parcel{}, 500), 1))
}

func TestNew_NegativeToleranceFallsBack(t *testing.T) {
	c := New(-1)

	// 455 sits inside the default 10% band around 500.
	assert.True(t, c.IsEdgeCase(parcelWithRear(455, false), 500, models.SearchFilters{}))
}
