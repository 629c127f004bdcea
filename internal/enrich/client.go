package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lotscout/api/internal/geometry"
	"github.com/lotscout/api/internal/models"
	"github.com/sony/gobreaker/v2"
)

// ErrNotConfigured is returned when no enrichment provider URL is set.
// The orchestrator treats it like any other enrichment failure: logged and
// swallowed.
var ErrNotConfigured = errors.New("enrich: provider not configured")

// Provider fetches raw parcel records for a bounding box from an external
// parcel-data source. Implementations must be idempotent under retry; the
// repository's natural-key upsert absorbs duplicate responses.
type Provider interface {
	FetchByBounds(ctx context.Context, bounds geometry.Bounds, limit int) ([]models.Parcel, error)
}

// HTTPProvider is a Provider backed by an HTTP parcel-data API.
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]models.Parcel]
}

// NewHTTPProvider creates an enrichment client. An empty baseURL yields a
// provider whose fetches fail with ErrNotConfigured.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker[[]models.Parcel](gobreaker.Settings{
			Name:    "parcel-enrichment",
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < 3 {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		}),
	}
}

// rawParcel is the provider's wire format for one parcel record.
type rawParcel struct {
	Source     string         `json:"source"`
	ExternalID string         `json:"external_id"`
	Address    *string        `json:"address"`
	Geometry   models.Polygon `json:"geometry"`
	LotSqft    *float64       `json:"lot_sqft"`
	ZoningCode *string        `json:"zoning_code"`
	SalePrice  *int64         `json:"last_sale_price"`
	SaleDate   *time.Time     `json:"last_sale_date"`
	HOA        *string        `json:"hoa"`
}

// FetchByBounds retrieves up to limit parcels intersecting the bounding box
// and normalizes them into Parcel records ready for upsert.
func (p *HTTPProvider) FetchByBounds(ctx context.Context, bounds geometry.Bounds, limit int) ([]models.Parcel, error) {
	if p.baseURL == "" {
		return nil, ErrNotConfigured
	}

	return p.breaker.Execute(func() ([]models.Parcel, error) {
		return p.doFetch(ctx, bounds, limit)
	})
}

func (p *HTTPProvider) doFetch(ctx context.Context, bounds geometry.Bounds, limit int) ([]models.Parcel, error) {
	q := url.Values{}
	q.Set("min_lng", fmt.Sprintf("%f", bounds.MinLng))
	q.Set("min_lat", fmt.Sprintf("%f", bounds.MinLat))
	q.Set("max_lng", fmt.Sprintf("%f", bounds.MaxLng))
	q.Set("max_lat", fmt.Sprintf("%f", bounds.MaxLat))
	q.Set("limit", fmt.Sprintf("%d", limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/parcels?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("enrich: build request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrich: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("enrich: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(excerpt)))
	}

	var payload struct {
		Parcels []rawParcel `json:"parcels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("enrich: decode response: %w", err)
	}

	parcels := make([]models.Parcel, 0, len(payload.Parcels))
	for _, raw := range payload.Parcels {
		parcel, err := normalize(raw)
		if err != nil {
			// A single malformed record is dropped, not fatal for the batch.
			continue
		}
		parcels = append(parcels, parcel)
	}
	return parcels, nil
}

// normalize converts a raw provider record into a Parcel, deriving centroid
// and lot area from geometry when the source omits them.
func normalize(raw rawParcel) (models.Parcel, error) {
	if raw.ExternalID == "" {
		return models.Parcel{}, errors.New("enrich: record missing external_id")
	}
	if raw.Geometry.IsEmpty() {
		return models.Parcel{}, errors.New("enrich: record missing geometry")
	}

	centroid, err := geometry.Centroid(raw.Geometry)
	if err != nil {
		return models.Parcel{}, fmt.Errorf("enrich: centroid: %w", err)
	}

	lotSqft := 0.0
	if raw.LotSqft != nil && *raw.LotSqft > 0 {
		lotSqft = *raw.LotSqft
	} else if area, err := geometry.Area(raw.Geometry); err == nil {
		lotSqft = area
	}

	source := raw.Source
	if source == "" {
		source = "external"
	}

	hoa := models.HOAUnknown
	if raw.HOA != nil {
		switch models.HOAStatus(*raw.HOA) {
		case models.HOAYes:
			hoa = models.HOAYes
		case models.HOANo:
			hoa = models.HOANo
		}
	}

	return models.Parcel{
		ID:            uuid.New(),
		Source:        source,
		ExternalID:    raw.ExternalID,
		Address:       raw.Address,
		Geom:          raw.Geometry,
		Centroid:      centroid,
		LotSqft:       lotSqft,
		ZoningCode:    raw.ZoningCode,
		LastSalePrice: raw.SalePrice,
		LastSaleDate:  raw.SaleDate,
		HOAStatus:     hoa,
	}, nil
}
