package geometry

import (
	"testing"

	"github.com/lotscout/api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// square returns a closed axis-aligned square ring with the given corner and
// side length in degrees.
func square(lng, lat, side float64) [][2]float64 {
	return [][2]float64{
		{lng, lat},
		{lng + side, lat},
		{lng + side, lat + side},
		{lng, lat + side},
		{lng, lat},
	}
}

func polygon(ring [][2]float64) models.Polygon {
	return models.Polygon{Coordinates: [][][2]float64{ring}}
}

func TestArea_UnitSquare(t *testing.T) {
	// Arrange
	p := polygon(square(0, 0, 1))

	// Act
	area, err := Area(p)

	// Assert
	require.NoError(t, err)
	assert.InDelta(t, SqDegreesToSqFeet, area, 1e-6)
}

func TestArea_EmptyPolygon(t *testing.T) {
	// Act
	_, err := Area(models.Polygon{})

	// Assert
	assert.ErrorIs(t, err, ErrEmptyGeometry)
}

func TestRingArea_OrientationIndependent(t *testing.T) {
	// Arrange
	ccw := square(0, 0, 2)
	cw := make([][2]float64, len(ccw))
	for i, pt := range ccw {
		cw[len(ccw)-1-i] = pt
	}

	// Act
	areaCCW := RingArea(ccw)
	areaCW := RingArea(cw)

	// Assert
	assert.InDelta(t, 4.0, areaCCW, 1e-9)
	assert.InDelta(t, areaCCW, areaCW, 1e-9)
}

func TestRingArea_Degenerate(t *testing.T) {
	assert.Zero(t, RingArea(nil))
	assert.Zero(t, RingArea([][2]float64{{0, 0}, {1, 1}}))
}

func TestCentroid_SkipsClosingVertex(t *testing.T) {
	// Arrange
	p := polygon(square(0, 0, 1))

	// Act
	c, err := Centroid(p)

	// Assert
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.Lng, 1e-9)
	assert.InDelta(t, 0.5, c.Lat, 1e-9)
}

func TestBearing_CardinalDirections(t *testing.T) {
	origin := models.Point{Lng: 0, Lat: 0}

	tests := []struct {
		name     string
		to       models.Point
		expected float64
	}{
		{"north", models.Point{Lng: 0, Lat: 1}, 0},
		{"east", models.Point{Lng: 1, Lat: 0}, 90},
		{"south", models.Point{Lng: 0, Lat: -1}, 180},
		{"west", models.Point{Lng: -1, Lat: 0}, 270},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bearing := Bearing(origin, tt.to)
			assert.InDelta(t, tt.expected, bearing, 0.01)
			assert.GreaterOrEqual(t, bearing, 0.0)
			assert.Less(t, bearing, 360.0)
		})
	}
}

func TestBoundingBox_Polygon(t *testing.T) {
	// Arrange
	p := polygon(square(-1, 2, 3))

	// Act
	b, err := BoundingBox(p)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Bounds{MinLng: -1, MinLat: 2, MaxLng: 2, MaxLat: 5}, b)
	assert.InDelta(t, 9.0, b.Area(), 1e-9)
}

func TestBoundingBox_Empty(t *testing.T) {
	_, err := BoundingBox(models.Polygon{})
	assert.ErrorIs(t, err, ErrEmptyGeometry)
}

func TestBoundingBox_UnsupportedType(t *testing.T) {
	_, err := BoundingBox("not a geometry")
	assert.Error(t, err)
}

func TestIntersects_BBoxOverlap(t *testing.T) {
	a := polygon(square(0, 0, 2))
	b := polygon(square(1, 1, 2))
	c := polygon(square(10, 10, 1))

	assert.True(t, Intersects(a, b))
	assert.False(t, Intersects(a, c))
}

func TestIntersectionOverUnion_Identical(t *testing.T) {
	// The identity must hold for any shape, not just rectangles whose bbox
	// matches the true outline.
	tests := []struct {
		name string
		p    models.Polygon
	}{
		{
			name: "axis-aligned square",
			p:    polygon(square(0, 0, 2)),
		},
		{
			name: "right triangle",
			p: polygon([][2]float64{
				{0, 0}, {1, 0}, {1, 1}, {0, 0},
			}),
		},
		{
			name: "thin sliver",
			p: polygon([][2]float64{
				{0, 0}, {4, 0}, {4, 0.1}, {0, 0.1}, {0, 0},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, 1.0, IntersectionOverUnion(tt.p, tt.p), 1e-9)
		})
	}
}

func TestIntersectionOverUnion_Disjoint(t *testing.T) {
	a := polygon(square(0, 0, 1))
	b := polygon(square(5, 5, 1))

	assert.Zero(t, IntersectionOverUnion(a, b))
}

func TestIntersectionOverUnion_PartialOverlap(t *testing.T) {
	// Two 2x2 squares offset by 1 degree in both axes: overlap 1, union 7.
	a := polygon(square(0, 0, 2))
	b := polygon(square(1, 1, 2))

	assert.InDelta(t, 1.0/7.0, IntersectionOverUnion(a, b), 1e-9)
}

func TestClipHalfPlane_NorthHalf(t *testing.T) {
	// Arrange
	ring := square(0, 0, 2)
	origin := models.Point{Lng: 0, Lat: 1}
	north := models.Point{Lng: 0, Lat: 1}

	// Act
	clipped := ClipHalfPlane(ring, origin, north)

	// Assert
	require.NotNil(t, clipped)
	assert.Equal(t, clipped[0], clipped[len(clipped)-1])
	assert.InDelta(t, 2.0, RingArea(clipped), 1e-9)
	for _, pt := range clipped {
		assert.GreaterOrEqual(t, pt[1], 1.0-1e-9)
	}
}

func TestClipHalfPlane_NothingSurvives(t *testing.T) {
	ring := square(0, 0, 1)
	origin := models.Point{Lng: 0, Lat: 5}
	north := models.Point{Lng: 0, Lat: 1}

	assert.Nil(t, ClipHalfPlane(ring, origin, north))
}

func TestClipHalfPlane_DegenerateRing(t *testing.T) {
	assert.Nil(t, ClipHalfPlane([][2]float64{{0, 0}, {1, 1}}, models.Point{}, models.Point{Lat: 1}))
}

func TestShrinkTowardCentroid_ReducesArea(t *testing.T) {
	// Arrange
	ring := square(0, 0, 2)
	before := RingArea(ring)

	// Act
	shrunk := ShrinkTowardCentroid(ring, 0.1)

	// Assert
	after := RingArea(shrunk)
	assert.Less(t, after, before)
	assert.Greater(t, after, 0.0)
}

func TestShrinkTowardCentroid_CollapsesSmallRing(t *testing.T) {
	// Vertices closer to the centroid than the shrink distance collapse.
	ring := square(0, 0, 0.001)

	shrunk := ShrinkTowardCentroid(ring, 1.0)

	assert.Zero(t, RingArea(shrunk))
}

func TestShrinkTowardCentroid_ZeroDistance(t *testing.T) {
	ring := square(0, 0, 1)
	assert.Equal(t, ring, ShrinkTowardCentroid(ring, 0))
}
