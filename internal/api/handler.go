package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"reservation-service/internal/apperrors"
	"reservation-service/internal/models"
	"reservation-service/internal/service"
	"reservation-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	reservations *service.ReservationService
	ledger       *service.StockLedger
	availability *service.AvailabilityCalculator
	sweeper      *service.ExpirySweeper
	checks       map[string]ReadinessCheck
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	reservations *service.ReservationService,
	ledger *service.StockLedger,
	availability *service.AvailabilityCalculator,
	sweeper *service.ExpirySweeper,
	checks map[string]ReadinessCheck,
) *Handler {
	return &Handler{
		reservations: reservations,
		ledger:       ledger,
		availability: availability,
		sweeper:      sweeper,
		checks:       checks,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/reservations", h.reserve)
		v1.GET("/reservations", h.listReservations)
		v1.GET("/reservations/expiring", h.expiringSoon)
		v1.GET("/reservations/:id", h.getReservation)
		v1.POST("/reservations/:id/cancel", h.cancelReservation)

		v1.GET("/proposals/:id/reservations", h.listByProposal)
		v1.POST("/proposals/:id/confirm", h.confirmProposal)
		v1.POST("/proposals/:id/cancel", h.cancelProposal)

		v1.GET("/availability", h.getAvailability)
		v1.GET("/stock", h.listStock)
		v1.PUT("/stock", h.upsertStock)
		v1.GET("/stats", h.stats)
		v1.POST("/sweeps", h.triggerSweep)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// reserve handles reservation creation
func (h *Handler) reserve(c *gin.Context) {
	var req service.ReserveRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}
	req.ReservedBy = c.GetHeader("X-Actor-ID")

	reservation, err := h.reservations.Reserve(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reservation)
}

// listReservations handles listing with an optional status filter
func (h *Handler) listReservations(c *gin.Context) {
	filter := models.ReservationFilter{
		Status:     models.ReservationStatus(c.Query("status")),
		ProposalID: c.Query("proposal_id"),
		SKU:        c.Query("sku"),
		Location:   models.Location{City: c.Query("city"), State: c.Query("state")},
	}

	reservations, err := h.reservations.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservations": nonNil(reservations),
		"count":        len(reservations),
	})
}

// expiringSoon lists reservations inside the urgency window
func (h *Handler) expiringSoon(c *gin.Context) {
	reservations, err := h.availability.ExpiringSoon(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reservations": nonNil(reservations),
		"count":        len(reservations),
	})
}

// getReservation handles get reservation by ID
func (h *Handler) getReservation(c *gin.Context) {
	reservation, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, reservation)
}

// cancelReservation handles the per-row admin cancel
func (h *Handler) cancelReservation(c *gin.Context) {
	reservation, err := h.reservations.CancelReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("Reservation cancelled via API",
		zap.String("reservation_id", reservation.ID),
		zap.String("actor", c.GetHeader("X-Actor-ID")))
	c.JSON(http.StatusOK, reservation)
}

// listByProposal handles listing every reservation of a proposal
func (h *Handler) listByProposal(c *gin.Context) {
	reservations, err := h.reservations.ListByProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"proposal_id":  c.Param("id"),
		"reservations": nonNil(reservations),
	})
}

// confirmProposal converts the proposal's reservations into a sale
func (h *Handler) confirmProposal(c *gin.Context) {
	consumed, err := h.reservations.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"proposal_id":  c.Param("id"),
		"reservations": consumed,
	})
}

// cancelProposal releases the proposal's reservations
func (h *Handler) cancelProposal(c *gin.Context) {
	cancelled, err := h.reservations.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.logger.Info("Proposal cancelled via API",
		zap.String("proposal_id", c.Param("id")),
		zap.String("actor", c.GetHeader("X-Actor-ID")),
		zap.Int("released", len(cancelled)))
	c.JSON(http.StatusOK, gin.H{
		"proposal_id":  c.Param("id"),
		"reservations": nonNil(cancelled),
	})
}

// getAvailability returns the full report or a single row when sku, city
// and state are given
func (h *Handler) getAvailability(c *gin.Context) {
	sku := c.Query("sku")
	if sku != "" {
		loc := models.Location{City: c.Query("city"), State: c.Query("state")}
		row, err := h.availability.Row(c.Request.Context(), sku, loc)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, row)
		return
	}

	rows, err := h.availability.Rows(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows": rows})
}

// listStock returns every stock line
func (h *Handler) listStock(c *gin.Context) {
	lines, err := h.ledger.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stock": nonNil(lines)})
}

// upsertStock sets the total of a stock line
func (h *Handler) upsertStock(c *gin.Context) {
	var req service.UpsertStockLineRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	line, err := h.ledger.Upsert(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, line)
}

// stats returns the admin summary
func (h *Handler) stats(c *gin.Context) {
	summary, err := h.reservations.StatsSummary(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// triggerSweep runs an expiry pass on demand
func (h *Handler) triggerSweep(c *gin.Context) {
	expired, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// respondError writes the error body for err using its public metadata
func (h *Handler) respondError(c *gin.Context, err error) {
	meta := apperrors.MetadataFor(err)

	if meta.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", meta.Code),
			zap.Error(err))
	}

	details := err.Error()
	if meta.HTTPStatus == http.StatusInternalServerError {
		details = meta.Message
	}

	c.JSON(meta.HTTPStatus, gin.H{
		"error":     meta.Message,
		"code":      meta.Code,
		"details":   details,
		"retryable": meta.Retryable,
	})
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
