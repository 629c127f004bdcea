package classify

import (
	"math"

	"github.com/lotscout/api/internal/models"
)

// DefaultTolerance is the fraction of the qualification threshold within
// which a parcel counts as near-threshold. Preserved from the reference
// pipeline; no documented derivation exists.
const DefaultTolerance = 0.10

// Classifier flags parcels whose qualification is not confidently resolvable
// by simple thresholding, i.e. the parcels worth the cost of external
// adjudication.
type Classifier struct {
	tolerance float64
}

// New creates a Classifier with the given near-threshold tolerance.
func New(tolerance float64) *Classifier {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Classifier{tolerance: tolerance}
}

// IsEdgeCase reports whether the parcel needs adjudication. A parcel is an
// edge case when any of the following hold:
//   - its rear-yard area is within tolerance*threshold of the threshold, in
//     either direction (boundary inclusive: equal-to-threshold always flags);
//   - its rear-yard estimate is approximate (or missing entirely);
//   - a pool filter is active and the detected has-pool value disagrees.
func (c *Classifier) IsEdgeCase(p *models.Parcel, threshold float64, filters models.SearchFilters) bool {
	if p.RearFreeSqft == nil || p.RearApproximate {
		return true
	}

	if math.Abs(*p.RearFreeSqft-threshold) <= c.tolerance*threshold {
		return true
	}

	return poolMismatch(p, filters)
}

// Distance returns the parcel's absolute distance from the qualification
// threshold, the adjudication priority key. Parcels with no computed rear
// yard sort last.
func (c *Classifier) Distance(p *models.Parcel, threshold float64) float64 {
	if p.RearFreeSqft == nil {
		return math.Inf(1)
	}
	return math.Abs(*p.RearFreeSqft - threshold)
}

// poolMismatch reports whether an active pool filter disagrees with the
// detected has-pool value. An unknown detection never counts as a mismatch.
func poolMismatch(p *models.Parcel, filters models.SearchFilters) bool {
	if filters.Pool == models.PoolAny || p.HasPool == nil {
		return false
	}
	switch filters.Pool {
	case models.PoolRequire:
		return !*p.HasPool
	case models.PoolExclude:
		return *p.HasPool
	}
	return false
}
