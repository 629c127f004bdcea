package yard

import (
	"math"

	"github.com/lotscout/api/internal/geometry"
	"github.com/lotscout/api/internal/models"
)

// Estimate is the result of a rear-yard computation. Approximate marks any
// heuristic fallback along the way; callers must treat a zero FreeSqft with
// Approximate set as "unknown, conservatively excluded", not as a confirmed
// empty yard.
type Estimate struct {
	FreeSqft    float64 `json:"freeSqft"`
	Approximate bool    `json:"approximate"`
}

// Config carries the estimator's tuning constants. The fractions have no
// documented derivation in the source data pipeline; they are preserved as
// configuration rather than replaced.
type Config struct {
	// SanityFraction is the minimum rear/total area ratio below which a
	// bearing-based split is considered bad and the envelope fallback kicks in.
	SanityFraction float64
	// FallbackFraction is the share of the axis-aligned envelope treated
	// as rear in the fallback split.
	FallbackFraction float64
	// SetbackFeet is the uniform setback allowance shrunk off the rear
	// region before measuring free area.
	SetbackFeet float64
}

// DefaultConfig returns the estimator constants used by the reference pipeline.
func DefaultConfig() Config {
	return Config{
		SanityFraction:   0.30,
		FallbackFraction: 0.60,
		SetbackFeet:      5.0,
	}
}

// Estimator computes heuristic rear-yard free area for parcels.
// It is not survey-grade: orientation is guessed when no road data exists,
// setbacks are applied as a uniform inward shrink, and the structure
// footprint is subtracted by area rather than clipped geometrically.
type Estimator struct {
	cfg Config
}

// NewEstimator creates an Estimator with the given configuration.
func NewEstimator(cfg Config) *Estimator {
	if cfg.SanityFraction <= 0 || cfg.SanityFraction >= 1 {
		cfg.SanityFraction = DefaultConfig().SanityFraction
	}
	if cfg.FallbackFraction <= 0 || cfg.FallbackFraction >= 1 {
		cfg.FallbackFraction = DefaultConfig().FallbackFraction
	}
	if cfg.SetbackFeet < 0 {
		cfg.SetbackFeet = DefaultConfig().SetbackFeet
	}
	return &Estimator{cfg: cfg}
}

// failSafe is the estimate returned on any internal failure. A geometry
// error must never silently qualify a parcel.
var failSafe = Estimate{FreeSqft: 0, Approximate: true}

// Estimate computes the free rear-yard area for a parcel. footprints are the
// parcel's stored structures (may be empty); road is an optional frontage
// geometry used to orient the front/rear split. Estimate never returns an
// error: every failure path degrades to {0, approximate}.
func (e *Estimator) Estimate(parcel models.Polygon, footprints []models.BuildingFootprint, road *models.Polygon) (est Estimate) {
	defer func() {
		if r := recover(); r != nil {
			est = failSafe
		}
	}()

	totalDeg, err := geometry.AreaSquareDegrees(parcel)
	if err != nil || totalDeg <= 0 {
		return failSafe
	}

	approximate := false

	// Step 1: locate the primary structure.
	structure, structApprox := pickStructure(footprints)
	approximate = approximate || structApprox

	// The split passes near the structure centroid; absent any structure,
	// the parcel centroid stands in.
	splitAt, err := splitOrigin(parcel, structure)
	if err != nil {
		return failSafe
	}

	// Step 2: orient the split. Without road data the rear is assumed to
	// face due north.
	rearNormal := models.Point{Lng: 0, Lat: 1}
	if road == nil {
		approximate = true
	} else {
		parcelCentroid, cerr := geometry.Centroid(parcel)
		roadCentroid, rerr := geometry.Centroid(*road)
		if cerr != nil || rerr != nil {
			approximate = true
		} else {
			bearing := geometry.Bearing(roadCentroid, parcelCentroid)
			rad := bearing * math.Pi / 180
			// Compass bearings run clockwise from north.
			rearNormal = models.Point{Lng: math.Sin(rad), Lat: math.Cos(rad)}
		}
	}

	// Step 3: take the half opposite the road-facing side.
	rear := geometry.ClipHalfPlane(parcel.ExteriorRing(), splitAt, rearNormal)
	rearDeg := geometry.RingArea(rear)

	// Step 4: sanity-check the split; fall back to the envelope's back
	// share when the split produced an implausibly small rear region.
	if rearDeg < e.cfg.SanityFraction*totalDeg {
		rear = e.envelopeRear(parcel)
		rearDeg = geometry.RingArea(rear)
		approximate = true
	}
	if len(rear) == 0 || rearDeg <= 0 {
		return failSafe
	}

	// Step 5: shrink inward by the setback allowance.
	setbackDeg := e.cfg.SetbackFeet / geometry.FeetPerDegreeLat
	rear = geometry.ShrinkTowardCentroid(rear, setbackDeg)
	rearDeg = geometry.RingArea(rear)

	// Step 6: subtract the buffered structure footprint. Area subtraction,
	// not geometric clipping.
	freeDeg := rearDeg
	if structure != nil {
		footDeg := geometry.RingArea(structure.Geom.ExteriorRing())
		buffered := footDeg + 4*setbackDeg*math.Sqrt(footDeg)
		freeDeg -= buffered
	}

	// Steps 7-8: convert and clamp.
	freeSqft := freeDeg * geometry.SqDegreesToSqFeet
	if freeSqft <= 0 || math.IsNaN(freeSqft) {
		return failSafe
	}

	return Estimate{FreeSqft: freeSqft, Approximate: approximate}
}

// pickStructure prefers the footprint flagged primary, then the largest main
// footprint, then the largest of any kind. Falling past the primary flag
// marks the estimate approximate.
func pickStructure(footprints []models.BuildingFootprint) (*models.BuildingFootprint, bool) {
	if len(footprints) == 0 {
		return nil, true
	}

	for i := range footprints {
		if footprints[i].IsPrimary {
			return &footprints[i], false
		}
	}

	var largest *models.BuildingFootprint
	for i := range footprints {
		fp := &footprints[i]
		if fp.Kind == models.FootprintPool {
			continue
		}
		if largest == nil || fp.AreaSqft > largest.AreaSqft {
			largest = fp
		}
	}
	if largest == nil {
		largest = &footprints[0]
	}
	return largest, true
}

// splitOrigin returns the point the front/rear split line passes through.
func splitOrigin(parcel models.Polygon, structure *models.BuildingFootprint) (models.Point, error) {
	if structure != nil && !structure.Geom.IsEmpty() {
		return geometry.Centroid(structure.Geom)
	}
	return geometry.Centroid(parcel)
}

// envelopeRear returns the back FallbackFraction of the parcel's axis-aligned
// envelope, split along latitude. Used when the bearing-based split fails the
// sanity check.
func (e *Estimator) envelopeRear(parcel models.Polygon) [][2]float64 {
	b, err := geometry.BoundingBox(parcel)
	if err != nil {
		return nil
	}

	splitLat := b.MaxLat - e.cfg.FallbackFraction*b.Height()
	origin := models.Point{Lng: b.MinLng, Lat: splitLat}
	normal := models.Point{Lng: 0, Lat: 1}
	return geometry.ClipHalfPlane(parcel.ExteriorRing(), origin, normal)
}
