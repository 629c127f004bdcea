package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotscout/api/internal/adjudicate"
	"github.com/lotscout/api/internal/config"
	"github.com/lotscout/api/internal/detect"
	"github.com/lotscout/api/internal/logger"
	"github.com/lotscout/api/internal/models"
	"github.com/lotscout/api/internal/observability/metrics"
	"github.com/lotscout/api/internal/pipeline"
	"github.com/lotscout/api/internal/progress"
	"github.com/lotscout/api/internal/repository"
	"github.com/lotscout/api/internal/services"
)

// closeNotifyRecorder wraps httptest.ResponseRecorder with the
// http.CloseNotifier method that gin's Context.Stream requires of the
// underlying ResponseWriter.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newCloseNotifyRecorder() *closeNotifyRecorder {
	return &closeNotifyRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool { return r.closed }

type stubRepo struct{}

func (stubRepo) FindIntersecting(context.Context, models.SearchArea, models.SearchFilters) ([]models.Parcel, error) {
	return []models.Parcel{}, nil
}
func (stubRepo) CountIntersecting(context.Context, models.SearchArea) (int, error) { return 0, nil }
func (stubRepo) UpsertBatch(context.Context, []models.Parcel) error                { return nil }
func (stubRepo) UpdateRearYard(context.Context, uuid.UUID, float64, bool) error    { return nil }
func (stubRepo) UpdateHasPoolBatch(context.Context, []repository.HasPoolUpdate) error {
	return nil
}
func (stubRepo) UpdateVerdictBatch(context.Context, []repository.VerdictUpdate) error {
	return nil
}
func (stubRepo) FindByIDs(context.Context, []uuid.UUID) ([]models.Parcel, error) {
	return []models.Parcel{}, nil
}
func (stubRepo) FindFootprints(context.Context, uuid.UUID) ([]models.BuildingFootprint, error) {
	return []models.BuildingFootprint{}, nil
}
func (stubRepo) FindRecentDetections(context.Context, []uuid.UUID, models.DetectionKind, time.Time) ([]models.ObstacleDetection, error) {
	return []models.ObstacleDetection{}, nil
}
func (stubRepo) InsertDetections(context.Context, []models.ObstacleDetection) error { return nil }
func (stubRepo) InsertAdjudicationUsage(context.Context, []models.AdjudicationUsage) error {
	return nil
}

type stubDetector struct{}

func (stubDetector) Detect(context.Context, uuid.UUID, models.Polygon) (detect.Result, error) {
	return detect.Result{}, nil
}

type stubAdjudicator struct{}

func (stubAdjudicator) Adjudicate(context.Context, *models.Parcel, models.SearchFilters) (adjudicate.Verdict, error) {
	return adjudicate.Verdict{}, nil
}

// setupSearchRouter builds a test router with a search service backed by an
// empty dataset.
func setupSearchRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Detector:    config.DetectorConfig{CacheTTL: time.Hour, MinConfidence: 0.5},
		Adjudicator: config.AdjudicatorConfig{BudgetUSD: 1},
		Enrichment:  config.EnrichmentConfig{FetchCap: 100, MinLocalParcels: 10},
		Pipeline: config.PipelineConfig{
			RearYardBatchSize:    5,
			DetectionBatchSize:   5,
			VerdictFlushEvery:    5,
			EdgeCaseTolerance:    0.10,
			RearSanityFraction:   0.30,
			RearFallbackFraction: 0.60,
			SetbackFeet:          5,
			ProgressGracePeriod:  time.Minute,
		},
	}

	registry := progress.NewRegistry(time.Minute)
	t.Cleanup(registry.Stop)

	log := logger.New("test")
	orch := pipeline.New(pipeline.Deps{
		Repo:        stubRepo{},
		Detector:    stubDetector{},
		Adjudicator: stubAdjudicator{},
		Registry:    registry,
		Metrics:     metrics.New(),
		Logger:      log,
	}, cfg)

	handler := NewSearchHandler(services.NewSearchService(orch, registry, log))

	router := gin.New()
	router.POST("/api/v1/searches", handler.Create)
	router.GET("/api/v1/searches/:id/progress", handler.Progress)
	router.GET("/api/v1/searches/:id/stream", handler.Stream)
	return router
}

func validSearchBody() string {
	return `{
		"area": {
			"geometry": {
				"type": "Polygon",
				"coordinates": [[[-118.5,34.0],[-118.4,34.0],[-118.4,34.1],[-118.5,34.1],[-118.5,34.0]]]
			}
		},
		"filters": {"minRearSqft": 500}
	}`
}

func TestCreate_Accepted(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/searches", strings.NewReader(validSearchBody()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	// Act
	router.ServeHTTP(w, req)

	// Assert
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp CreateSearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := uuid.Parse(resp.SearchID)
	assert.NoError(t, err)
}

func TestCreate_InvalidBody(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/searches", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	// Act
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreate_OpenRing(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)
	body := `{
		"area": {
			"geometry": {
				"type": "Polygon",
				"coordinates": [[[0,0],[1,0],[1,1],[0,1]]]
			}
		}
	}`

	req := httptest.NewRequest(http.MethodPost, "/api/v1/searches", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	// Act
	router.ServeHTTP(w, req)

	// Assert
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "closed")
}

func TestProgress_InvalidID(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/searches/not-a-uuid/progress", nil)
	w := httptest.NewRecorder()

	// Act
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProgress_UnknownSearch(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/searches/%s/progress", uuid.New()), nil)
	w := httptest.NewRecorder()

	// Act
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgress_ReturnsSnapshot(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/searches", strings.NewReader(validSearchBody()))
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	router.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusAccepted, createW.Code)

	var created CreateSearchResponse
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &created))

	// Act: poll until the empty-dataset search reaches its terminal stage.
	var snap progress.Snapshot
	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/searches/%s/progress", created.SearchID), nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
			return false
		}
		return snap.Stage.Terminal()
	}, 2*time.Second, 10*time.Millisecond)

	// Assert
	assert.Equal(t, progress.StageComplete, snap.Stage)
	assert.NotNil(t, snap.Stats)
}

func TestStream_UnknownSearch(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/searches/%s/stream", uuid.New()), nil)
	w := httptest.NewRecorder()

	// Act
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStream_DeliversEventsUntilTerminal(t *testing.T) {
	// Arrange
	router := setupSearchRouter(t)

	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/searches", strings.NewReader(validSearchBody()))
	createReq.Header.Set("Content-Type", "application/json")
	createW := httptest.NewRecorder()
	router.ServeHTTP(createW, createReq)
	require.Equal(t, http.StatusAccepted, createW.Code)

	var created CreateSearchResponse
	require.NoError(t, json.Unmarshal(createW.Body.Bytes(), &created))

	// Act: the handler closes the stream after the terminal snapshot, so a
	// plain ServeHTTP call returns once the search finishes.
	req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/searches/%s/stream", created.SearchID), nil)
	w := newCloseNotifyRecorder()
	router.ServeHTTP(w, req)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event:progress")
	assert.Contains(t, body, string(progress.StageComplete))
}
