package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	apierrors "github.com/lotscout/api/internal/errors"
	"github.com/lotscout/api/internal/middleware"
	"github.com/lotscout/api/internal/models"
	"github.com/lotscout/api/internal/services"
)

// SearchHandler handles search-related HTTP requests.
type SearchHandler struct {
	service *services.SearchService
}

// NewSearchHandler creates a new SearchHandler instance.
func NewSearchHandler(service *services.SearchService) *SearchHandler {
	return &SearchHandler{
		service: service,
	}
}

// CreateSearchRequest is the request body for starting a search.
type CreateSearchRequest struct {
	Area    models.SearchArea    `json:"area" binding:"required"`
	Filters models.SearchFilters `json:"filters"`
}

// CreateSearchResponse is the acceptance response for a new search.
type CreateSearchResponse struct {
	SearchID string `json:"search_id"`
}

// Create handles POST /api/v1/searches.
// The search runs asynchronously; the response is an immediate 202 with the
// search ID to poll or stream against.
func (h *SearchHandler) Create(c *gin.Context) {
	log := middleware.GetLogger(c)

	var req CreateSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			apierrors.ValidationError(c, validationErrors)
			return
		}
		apierrors.BadRequest(c, "Invalid request body", nil)
		return
	}

	searchID, err := h.service.StartSearch(req.Area, req.Filters)
	if err != nil {
		if errors.Is(err, services.ErrInvalidSearchArea) || errors.Is(err, services.ErrInvalidFilters) {
			apierrors.BadRequest(c, err.Error(), nil)
			return
		}
		apierrors.InternalServerError(c, "Failed to start search", err)
		return
	}

	if log != nil {
		log.Info("Search started", map[string]interface{}{
			"search_id": searchID.String(),
		})
	}

	c.JSON(http.StatusAccepted, CreateSearchResponse{
		SearchID: searchID.String(),
	})
}

// Progress handles GET /api/v1/searches/:id/progress.
// Returns the latest snapshot for the search as a single JSON document.
func (h *SearchHandler) Progress(c *gin.Context) {
	searchID, ok := parseSearchID(c)
	if !ok {
		return
	}

	snap, err := h.service.Progress(searchID)
	if err != nil {
		if errors.Is(err, services.ErrSearchNotFound) {
			apierrors.NotFound(c, "Search not found or expired")
			return
		}
		apierrors.InternalServerError(c, "Failed to read search progress", err)
		return
	}

	c.JSON(http.StatusOK, snap)
}

// Stream handles GET /api/v1/searches/:id/stream.
// Sends snapshots as server-sent events until the search reaches a terminal
// stage or the client disconnects. A late subscriber receives the current
// snapshot immediately, so connecting after completion still yields the
// final result.
func (h *SearchHandler) Stream(c *gin.Context) {
	searchID, ok := parseSearchID(c)
	if !ok {
		return
	}

	ch, unsubscribe, err := h.service.Subscribe(searchID)
	if err != nil {
		if errors.Is(err, services.ErrSearchNotFound) {
			apierrors.NotFound(c, "Search not found or expired")
			return
		}
		apierrors.InternalServerError(c, "Failed to subscribe to search", err)
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case snap, open := <-ch:
			if !open {
				return false
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				return false
			}
			c.SSEvent("progress", string(payload))
			return !snap.Stage.Terminal()
		}
	})
}

// parseSearchID extracts and validates the :id path parameter, writing the
// error response itself on failure.
func parseSearchID(c *gin.Context) (uuid.UUID, bool) {
	raw := c.Param("id")
	searchID, err := uuid.Parse(raw)
	if err != nil {
		apierrors.BadRequest(c, "Invalid search ID", map[string]interface{}{
			"id": raw,
		})
		return uuid.Nil, false
	}
	return searchID, true
}
