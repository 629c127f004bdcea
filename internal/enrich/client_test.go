package enrich

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lotscout/api/internal/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBounds() geometry.Bounds {
	return geometry.Bounds{MinLng: -118.5, MinLat: 34.0, MaxLng: -118.4, MaxLat: 34.1}
}

func TestFetchByBounds_NormalizesRecords(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parcels", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "250", r.URL.Query().Get("limit"))
		assert.NotEmpty(t, r.URL.Query().Get("min_lng"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"parcels": [
				{
					"external_id": "apn-001",
					"source": "county",
					"address": "1 Elm St",
					"geometry": {"type":"Polygon","coordinates":[[[-118.45,34.05],[-118.449,34.05],[-118.449,34.051],[-118.45,34.051],[-118.45,34.05]]]},
					"lot_sqft": 6500,
					"hoa": "no"
				},
				{
					"external_id": "apn-002",
					"geometry": {"type":"Polygon","coordinates":[[[-118.46,34.06],[-118.459,34.06],[-118.459,34.061],[-118.46,34.061],[-118.46,34.06]]]}
				},
				{
					"external_id": "",
					"geometry": {"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}
				}
			]
		}`))
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "secret", 5*time.Second)

	// Act
	parcels, err := provider.FetchByBounds(context.Background(), testBounds(), 250)

	// Assert
	require.NoError(t, err)
	require.Len(t, parcels, 2, "the record without an external_id must be dropped")

	first := parcels[0]
	assert.Equal(t, "county", first.Source)
	assert.Equal(t, "apn-001", first.ExternalID)
	require.NotNil(t, first.Address)
	assert.Equal(t, "1 Elm St", *first.Address)
	assert.InDelta(t, 6500, first.LotSqft, 1e-9)
	assert.Equal(t, "no", string(first.HOAStatus))
	assert.InDelta(t, -118.4495, first.Centroid.Lng, 1e-6)

	second := parcels[1]
	assert.Equal(t, "external", second.Source, "missing source defaults")
	assert.Greater(t, second.LotSqft, 0.0, "lot area derived from geometry when absent")
	assert.Equal(t, "unknown", string(second.HOAStatus))
}

func TestFetchByBounds_NotConfigured(t *testing.T) {
	provider := NewHTTPProvider("", "", time.Second)

	_, err := provider.FetchByBounds(context.Background(), testBounds(), 10)

	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFetchByBounds_ServerError(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream quota exceeded", http.StatusPaymentRequired)
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "", 5*time.Second)

	// Act
	_, err := provider.FetchByBounds(context.Background(), testBounds(), 10)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestFetchByBounds_EmptyResponse(t *testing.T) {
	// Arrange
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"parcels": []}`))
	}))
	defer server.Close()

	provider := NewHTTPProvider(server.URL, "", 5*time.Second)

	// Act
	parcels, err := provider.FetchByBounds(context.Background(), testBounds(), 10)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, parcels)
}
