package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/san-kum/drive-score/server/models"
	"github.com/san-kum/drive-score/server/processor"
	"github.com/san-kum/drive-score/server/store"
	"github.com/san-kum/drive-score/server/stream"
)

// TripService is the trip lifecycle the REST API exposes.
type TripService interface {
	StartTrip(ctx context.Context, startLocation json.RawMessage) (*models.Trip, error)
	AddSamples(ctx context.Context, id string, samples []models.Sample) (*models.RealtimeResult, error)
	EndTrip(ctx context.Context, id string, endLocation json.RawMessage) (*models.Trip, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	ListTrips(ctx context.Context) ([]*models.Trip, error)
	DeleteTrip(ctx context.Context, id string) error
	Scores(ctx context.Context, id string) (models.ScoreSet, bool, error)
	Analysis(ctx context.Context, id string) (*models.TripAnalysis, error)
	GetStats() processor.ProcessorStats
}

// IngestObserver counts accepted and rejected samples per ingest path.
type IngestObserver interface {
	SamplesIngested(source string, n int)
	SamplesRejected(source string)
}

type nopIngestObserver struct{}

func (nopIngestObserver) SamplesIngested(string, int) {}
func (nopIngestObserver) SamplesRejected(string)      {}

// ModelInfoProvider reports the loaded behavior model.
type ModelInfoProvider interface {
	GetModelInfo(ctx context.Context) (map[string]any, error)
}

type TripHandler struct {
	trips    TripService
	streams  *stream.Manager
	model    ModelInfoProvider
	observer IngestObserver
	logger   *zap.Logger
}

type startTripRequest struct {
	StartLocation json.RawMessage `json:"start_location"`
}

type endTripRequest struct {
	EndLocation json.RawMessage `json:"end_location"`
}

// NewTripHandler builds the REST handlers. streams and model may be nil.
func NewTripHandler(trips TripService, streams *stream.Manager, model ModelInfoProvider, logger *zap.Logger) *TripHandler {
	return &TripHandler{
		trips:    trips,
		streams:  streams,
		model:    model,
		observer: nopIngestObserver{},
		logger:   logger.Named("api"),
	}
}

func (h *TripHandler) SetIngestObserver(o IngestObserver) {
	h.observer = o
}

func (h *TripHandler) StartTrip(c *gin.Context) {
	var request startTripRequest
	if err := bindOptionalJSON(c, &request); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request format")
		return
	}
	if len(request.StartLocation) == 0 {
		request.StartLocation = json.RawMessage(`{}`)
	}

	trip, err := h.trips.StartTrip(c.Request.Context(), request.StartLocation)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "success",
		"message": "Trip started successfully",
		"trip_id": trip.ID,
	})
}

func (h *TripHandler) EndTrip(c *gin.Context) {
	var request endTripRequest
	if err := bindOptionalJSON(c, &request); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request format")
		return
	}
	if len(request.EndLocation) == 0 {
		request.EndLocation = json.RawMessage(`{}`)
	}

	trip, err := h.trips.EndTrip(c.Request.Context(), c.Param("id"), request.EndLocation)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "success",
		"message": "Trip ended successfully",
		"trip":    trip,
	})
}

func (h *TripHandler) AddSample(c *gin.Context) {
	var raw models.RawSample
	if err := c.ShouldBindJSON(&raw); err != nil {
		h.observer.SamplesRejected("rest")
		respondError(c, http.StatusBadRequest, "Invalid request format")
		return
	}
	sample, err := raw.Validate()
	if err != nil {
		h.observer.SamplesRejected("rest")
		h.fail(c, err)
		return
	}

	result, err := h.trips.AddSamples(c.Request.Context(), c.Param("id"), []models.Sample{sample})
	if err != nil {
		h.failData(c, err)
		return
	}
	h.observer.SamplesIngested("rest", 1)

	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"message":           "Data added successfully",
		"realtime_feedback": result,
	})
}

func (h *TripHandler) AddSampleBatch(c *gin.Context) {
	var raw []models.RawSample
	if err := c.ShouldBindJSON(&raw); err != nil {
		h.observer.SamplesRejected("rest")
		respondError(c, http.StatusBadRequest, "Expected a list of data points")
		return
	}
	samples, err := models.ValidateBatch(raw)
	if err != nil {
		h.observer.SamplesRejected("rest")
		h.fail(c, err)
		return
	}

	result, err := h.trips.AddSamples(c.Request.Context(), c.Param("id"), samples)
	if err != nil {
		h.failData(c, err)
		return
	}
	h.observer.SamplesIngested("rest", len(samples))

	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"message":           fmt.Sprintf("Added %d data points successfully", len(samples)),
		"realtime_feedback": result,
	})
}

func (h *TripHandler) GetTrip(c *gin.Context) {
	trip, err := h.trips.GetTrip(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "trip": trip})
}

func (h *TripHandler) ListTrips(c *gin.Context) {
	trips, err := h.trips.ListTrips(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "trips": trips})
}

func (h *TripHandler) GetScores(c *gin.Context) {
	id := c.Param("id")
	scores, final, err := h.trips.Scores(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"trip_id":  id,
		"scores":   scores,
		"is_final": final,
	})
}

// GetAnalysis serves the final analysis of a completed trip.
func (h *TripHandler) GetAnalysis(c *gin.Context) {
	id := c.Param("id")
	result, err := h.trips.Analysis(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "trip_id": id, "analysis": result})
}

func (h *TripHandler) DeleteTrip(c *gin.Context) {
	id := c.Param("id")
	if err := h.trips.DeleteTrip(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}

	username, _ := c.Get("username")
	h.logger.Info("Trip deleted by admin", zap.String("trip_id", id), zap.Any("username", username))
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Trip deleted successfully", "trip_id": id})
}

func (h *TripHandler) GetStats(c *gin.Context) {
	stats := h.trips.GetStats()
	response := gin.H{
		"status":    "success",
		"processor": stats,
		"uptime":    time.Since(stats.StartTime).Seconds(),
	}
	if h.streams != nil {
		response["stream"] = h.streams.Stats()
	}
	c.JSON(http.StatusOK, response)
}

func (h *TripHandler) GetModelInfo(c *gin.Context) {
	if h.model == nil {
		respondError(c, http.StatusServiceUnavailable, "Behavior model not configured")
		return
	}
	info, err := h.model.GetModelInfo(c.Request.Context())
	if err != nil {
		h.logger.Warn("Failed to get model info", zap.Error(err))
		respondError(c, http.StatusBadGateway, "Behavior model unavailable")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "model": info})
}

// fail maps domain errors to status codes.
func (h *TripHandler) fail(c *gin.Context, err error) {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		respondError(c, http.StatusBadRequest, ve.Message)
	case errors.Is(err, store.ErrTripNotFound):
		respondError(c, http.StatusNotFound, "Trip not found")
	case errors.Is(err, processor.ErrTripNotActive):
		respondError(c, http.StatusConflict, "Trip already completed")
	case errors.Is(err, processor.ErrNoData):
		respondError(c, http.StatusBadRequest, "No data available for this trip yet")
	case errors.Is(err, processor.ErrQueueFull):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("trip_id", c.Param("id")),
			zap.Error(err))
		respondError(c, http.StatusInternalServerError, err.Error())
	}
}

// failData reports both unknown and completed trips as not found, as
// samples can only ever be added to an active trip.
func (h *TripHandler) failData(c *gin.Context, err error) {
	if errors.Is(err, store.ErrTripNotFound) || errors.Is(err, processor.ErrTripNotActive) {
		respondError(c, http.StatusNotFound, "Trip not found or already completed")
		return
	}
	h.fail(c, err)
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"status": "error", "message": message})
}

// bindOptionalJSON accepts an empty body.
func bindOptionalJSON(c *gin.Context, dest any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(c.Request.Body).Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
