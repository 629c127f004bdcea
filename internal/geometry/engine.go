package geometry

import (
	"errors"
	"math"

	"github.com/lotscout/api/internal/models"
)

// This package is deliberately built on flat-earth approximations. Areas are
// shoelace sums in squared degrees scaled by a constant calibrated for the
// mid-latitude band the parcel data covers; intersection tests are bounding
// box tests. Accuracy degrades away from the calibration latitude. Swapping
// in a geodesic library would change every derived area number and must be
// treated as a breaking change to stored data.

const (
	// FeetPerDegreeLat is the approximate length of one degree of latitude.
	FeetPerDegreeLat = 364000.0

	// FeetPerDegreeLng is the approximate length of one degree of longitude
	// at the calibration latitude (~34N).
	FeetPerDegreeLng = 301000.0

	// SqDegreesToSqFeet converts shoelace areas from squared degrees to
	// square feet at the calibration latitude.
	SqDegreesToSqFeet = FeetPerDegreeLat * FeetPerDegreeLng
)

// ErrEmptyGeometry is returned when an operation requires at least one
// coordinate and the input has none.
var ErrEmptyGeometry = errors.New("geometry: empty geometry")

// Bounds is an axis-aligned bounding box in degrees.
type Bounds struct {
	MinLng float64 `json:"minLng"`
	MinLat float64 `json:"minLat"`
	MaxLng float64 `json:"maxLng"`
	MaxLat float64 `json:"maxLat"`
}

// Width returns the bounds' extent in longitude degrees.
func (b Bounds) Width() float64 { return b.MaxLng - b.MinLng }

// Height returns the bounds' extent in latitude degrees.
func (b Bounds) Height() float64 { return b.MaxLat - b.MinLat }

// Area returns the bbox area in squared degrees.
func (b Bounds) Area() float64 { return b.Width() * b.Height() }

// Overlaps reports whether two bounding boxes overlap.
func (b Bounds) Overlaps(o Bounds) bool {
	return !(b.MaxLng < o.MinLng || o.MaxLng < b.MinLng ||
		b.MaxLat < o.MinLat || o.MaxLat < b.MinLat)
}

// Intersection returns the overlap of two bounding boxes and whether it is
// non-empty.
func (b Bounds) Intersection(o Bounds) (Bounds, bool) {
	out := Bounds{
		MinLng: math.Max(b.MinLng, o.MinLng),
		MinLat: math.Max(b.MinLat, o.MinLat),
		MaxLng: math.Min(b.MaxLng, o.MaxLng),
		MaxLat: math.Min(b.MaxLat, o.MaxLat),
	}
	if out.MinLng >= out.MaxLng || out.MinLat >= out.MaxLat {
		return Bounds{}, false
	}
	return out, true
}

// Area computes the planar shoelace area of the polygon's exterior ring and
// converts it to square feet with the fixed calibration constant. It is not
// a geodesic area. No self-intersection validation is performed; degenerate
// input yields a zero area rather than an error.
func Area(p models.Polygon) (float64, error) {
	deg, err := AreaSquareDegrees(p)
	if err != nil {
		return 0, err
	}
	return deg * SqDegreesToSqFeet, nil
}

// AreaSquareDegrees computes the shoelace area of the exterior ring in
// squared degrees.
func AreaSquareDegrees(p models.Polygon) (float64, error) {
	ring := p.ExteriorRing()
	if len(ring) == 0 {
		return 0, ErrEmptyGeometry
	}
	return RingArea(ring), nil
}

// RingArea is the absolute shoelace area of a ring in squared degrees.
// Orientation-independent.
func RingArea(ring [][2]float64) float64 {
	if len(ring) < 3 {
		return 0
	}
	sum := 0.0
	for i := 0; i < len(ring); i++ {
		j := (i + 1) % len(ring)
		sum += ring[i][0]*ring[j][1] - ring[j][0]*ring[i][1]
	}
	return math.Abs(sum) / 2
}

// Centroid returns the arithmetic mean of the exterior ring's vertices.
// This is a vertex mean, not an area-weighted centroid; for the roughly
// convex residential parcels this system handles the difference is small
// and the cheaper form is kept on purpose.
func Centroid(p models.Polygon) (models.Point, error) {
	ring := p.ExteriorRing()
	if len(ring) == 0 {
		return models.Point{}, ErrEmptyGeometry
	}

	// A closed ring repeats its first vertex; skip the duplicate so it is
	// not double-weighted.
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n--
	}

	var sumLng, sumLat float64
	for i := 0; i < n; i++ {
		sumLng += ring[i][0]
		sumLat += ring[i][1]
	}
	return models.Point{Lng: sumLng / float64(n), Lat: sumLat / float64(n)}, nil
}

// Bearing returns the initial compass bearing in degrees from a to b,
// normalized to [0, 360).
func Bearing(a, b models.Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)

	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// BoundingBox computes the axis-aligned bounds of a Polygon or MultiPolygon
// by descending its nested coordinate arrays.
func BoundingBox(geom interface{}) (Bounds, error) {
	b := Bounds{
		MinLng: math.Inf(1), MinLat: math.Inf(1),
		MaxLng: math.Inf(-1), MaxLat: math.Inf(-1),
	}

	var extend func(pt [2]float64)
	extend = func(pt [2]float64) {
		b.MinLng = math.Min(b.MinLng, pt[0])
		b.MaxLng = math.Max(b.MaxLng, pt[0])
		b.MinLat = math.Min(b.MinLat, pt[1])
		b.MaxLat = math.Max(b.MaxLat, pt[1])
	}

	empty := true
	switch g := geom.(type) {
	case models.Point:
		extend([2]float64{g.Lng, g.Lat})
		empty = false
	case models.Polygon:
		for _, ring := range g.Coordinates {
			for _, pt := range ring {
				extend(pt)
				empty = false
			}
		}
	case models.MultiPolygon:
		for _, poly := range g.Coordinates {
			for _, ring := range poly {
				for _, pt := range ring {
					extend(pt)
					empty = false
				}
			}
		}
	default:
		return Bounds{}, errors.New("geometry: unsupported geometry type")
	}

	if empty {
		return Bounds{}, ErrEmptyGeometry
	}
	return b, nil
}

// RingBounds returns the bounds of a bare ring.
func RingBounds(ring [][2]float64) (Bounds, error) {
	return BoundingBox(models.Polygon{Coordinates: [][][2]float64{ring}})
}

// Intersects is a bounding-box overlap test only, not a true polygon
// intersection. It produces false positives for near-miss bounding boxes;
// true intersection is delegated to PostGIS at the storage layer.
func Intersects(a, b models.Polygon) bool {
	ba, err := BoundingBox(a)
	if err != nil {
		return false
	}
	bb, err := BoundingBox(b)
	if err != nil {
		return false
	}
	return ba.Overlaps(bb)
}

// IntersectionOverUnion approximates IoU for two polygons entirely at the
// bounding-box level: both the intersection and the union terms use bbox
// areas, so identical polygons always yield 1 regardless of shape. Returns 0
// when the bounding boxes do not overlap.
func IntersectionOverUnion(a, b models.Polygon) float64 {
	ba, err := BoundingBox(a)
	if err != nil {
		return 0
	}
	bb, err := BoundingBox(b)
	if err != nil {
		return 0
	}

	inter, ok := ba.Intersection(bb)
	if !ok {
		return 0
	}

	union := ba.Area() + bb.Area() - inter.Area()
	if union <= 0 {
		return 0
	}
	return inter.Area() / union
}

// ClipHalfPlane clips a ring against the half-plane of points p satisfying
// dot(p-origin, normal) >= 0 and returns the clipped ring, closed. Returns
// nil when nothing survives. This is a single-plane Sutherland-Hodgman pass;
// it assumes the ring is simple.
func ClipHalfPlane(ring [][2]float64, origin models.Point, normal models.Point) [][2]float64 {
	if len(ring) < 3 {
		return nil
	}

	// Drop the closing duplicate while clipping.
	pts := ring
	if pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}

	side := func(p [2]float64) float64 {
		return (p[0]-origin.Lng)*normal.Lng + (p[1]-origin.Lat)*normal.Lat
	}

	var out [][2]float64
	for i := 0; i < len(pts); i++ {
		cur := pts[i]
		next := pts[(i+1)%len(pts)]
		curSide := side(cur)
		nextSide := side(next)

		if curSide >= 0 {
			out = append(out, cur)
		}
		if (curSide >= 0) != (nextSide >= 0) {
			t := curSide / (curSide - nextSide)
			out = append(out, [2]float64{
				cur[0] + t*(next[0]-cur[0]),
				cur[1] + t*(next[1]-cur[1]),
			})
		}
	}

	if len(out) < 3 {
		return nil
	}
	out = append(out, out[0])
	return out
}

// ShrinkTowardCentroid moves every ring vertex toward the ring's vertex mean
// by the given distance in degrees, a uniform stand-in for per-side setback
// buffers. Vertices closer to the centroid than the distance collapse onto
// it, which degenerates the ring to zero area.
func ShrinkTowardCentroid(ring [][2]float64, distanceDeg float64) [][2]float64 {
	if len(ring) == 0 || distanceDeg <= 0 {
		return ring
	}

	c, err := Centroid(models.Polygon{Coordinates: [][][2]float64{ring}})
	if err != nil {
		return ring
	}

	out := make([][2]float64, len(ring))
	for i, pt := range ring {
		dx := c.Lng - pt[0]
		dy := c.Lat - pt[1]
		dist := math.Hypot(dx, dy)
		if dist <= distanceDeg {
			out[i] = [2]float64{c.Lng, c.Lat}
			continue
		}
		scale := distanceDeg / dist
		out[i] = [2]float64{pt[0] + dx*scale, pt[1] + dy*scale}
	}
	return out
}
