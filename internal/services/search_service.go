package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lotscout/api/internal/logger"
	"github.com/lotscout/api/internal/models"
	"github.com/lotscout/api/internal/pipeline"
	"github.com/lotscout/api/internal/progress"
)

// Sentinel errors for search operations. Handlers map these to HTTP status codes.
var (
	ErrInvalidSearchArea = errors.New("invalid search area")
	ErrInvalidFilters    = errors.New("invalid search filters")
	ErrSearchNotFound    = errors.New("search not found")
)

// SearchService owns the lifecycle of searches: validation, launch, and
// progress access. Each accepted search runs in its own goroutine with its
// own cancellable context, detached from the HTTP request that started it.
type SearchService struct {
	orchestrator *pipeline.Orchestrator
	registry     *progress.Registry
	log          *logger.Logger
}

// NewSearchService creates a SearchService.
func NewSearchService(orchestrator *pipeline.Orchestrator, registry *progress.Registry, log *logger.Logger) *SearchService {
	return &SearchService{
		orchestrator: orchestrator,
		registry:     registry,
		log:          log,
	}
}

// StartSearch validates the request, assigns a search ID, and launches the
// pipeline asynchronously. It returns as soon as the search is accepted;
// progress is observed through Progress or Subscribe.
func (s *SearchService) StartSearch(area models.SearchArea, filters models.SearchFilters) (uuid.UUID, error) {
	if err := area.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidSearchArea, err)
	}

	filters.Normalize()
	if err := filters.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidFilters, err)
	}

	searchID := uuid.New()
	s.registry.Create(searchID)

	s.log.Info("search accepted", map[string]interface{}{
		"search_id":     searchID.String(),
		"min_rear_sqft": filters.MinRearSqft,
	})

	// The pipeline runs to a terminal snapshot regardless of the caller's
	// request lifetime. Run never returns an error; failures end in an
	// error-stage snapshot.
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.orchestrator.Run(ctx, searchID, area, filters)
	}()

	return searchID, nil
}

// Progress returns the latest snapshot for a search.
func (s *SearchService) Progress(searchID uuid.UUID) (progress.Snapshot, error) {
	snap, ok := s.registry.Latest(searchID)
	if !ok {
		return progress.Snapshot{}, ErrSearchNotFound
	}
	return snap, nil
}

// Subscribe returns a live snapshot channel for a search plus an unsubscribe
// function. The current snapshot is delivered first.
func (s *SearchService) Subscribe(searchID uuid.UUID) (<-chan progress.Snapshot, func(), error) {
	ch, cancel, ok := s.registry.Subscribe(searchID)
	if !ok {
		return nil, nil, ErrSearchNotFound
	}
	return ch, cancel, nil
}
