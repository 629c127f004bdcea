package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lotscout/api/internal/geometry"
	"github.com/lotscout/api/internal/models"
	"github.com/sony/gobreaker/v2"
)

// Obstacle is one detected feature with its footprint and model confidence.
type Obstacle struct {
	Geometry   models.Polygon `json:"geometry"`
	Confidence float64        `json:"confidence"`
}

// Result is the outcome of a successful detection call. An empty Obstacles
// slice means the detector genuinely found nothing; transport and provider
// failures surface as errors from Detect, never as empty results.
type Result struct {
	Obstacles        []Obstacle `json:"obstacles"`
	ProcessingTimeMs int64      `json:"processingTimeMs"`
}

// Detector is the contract for the external pool/structure detection service.
type Detector interface {
	Detect(ctx context.Context, parcelID uuid.UUID, geom models.Polygon) (Result, error)
}

// HTTPDetector calls the computer-vision detection service over HTTP.
// Calls run behind a circuit breaker so a struggling detector degrades the
// pipeline instead of stalling it.
type HTTPDetector struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[Result]
}

// NewHTTPDetector creates a detector client for the given base URL with a
// bounded per-call timeout.
func NewHTTPDetector(baseURL string, timeout time.Duration) *HTTPDetector {
	settings := gobreaker.Settings{
		Name:    "obstacle-detector",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
	}

	return &HTTPDetector{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker[Result](settings),
	}
}

type detectRequest struct {
	ParcelID string          `json:"parcel_id"`
	Geometry models.Polygon  `json:"geometry"`
	Bounds   geometry.Bounds `json:"bounds"`
}

type detectResponse struct {
	Pools []struct {
		Geometry   models.Polygon `json:"geometry"`
		Confidence float64        `json:"confidence"`
	} `json:"pools"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// Detect requests pool detection for one parcel.
func (d *HTTPDetector) Detect(ctx context.Context, parcelID uuid.UUID, geom models.Polygon) (Result, error) {
	bounds, err := geometry.BoundingBox(geom)
	if err != nil {
		return Result{}, fmt.Errorf("detector: parcel %s has unusable geometry: %w", parcelID, err)
	}

	return d.breaker.Execute(func() (Result, error) {
		return d.doDetect(ctx, detectRequest{
			ParcelID: parcelID.String(),
			Geometry: geom,
			Bounds:   bounds,
		})
	})
}

func (d *HTTPDetector) doDetect(ctx context.Context, reqBody detectRequest) (Result, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("detector: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/detect", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("detector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("detector: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{}, fmt.Errorf("detector: unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var parsed detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("detector: decode response: %w", err)
	}

	result := Result{
		Obstacles:        make([]Obstacle, 0, len(parsed.Pools)),
		ProcessingTimeMs: parsed.ProcessingTimeMs,
	}
	for _, p := range parsed.Pools {
		result.Obstacles = append(result.Obstacles, Obstacle{
			Geometry:   p.Geometry,
			Confidence: p.Confidence,
		})
	}
	return result, nil
}

// MaxConfidence returns the highest obstacle confidence in the result, or 0
// when no obstacles were found.
func (r Result) MaxConfidence() float64 {
	best := 0.0
	for _, o := range r.Obstacles {
		if o.Confidence > best {
			best = o.Confidence
		}
	}
	return best
}
