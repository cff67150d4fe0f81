package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swimbuddz/academy-api/internal/dto"
	"github.com/swimbuddz/academy-api/internal/middleware"
	"github.com/swimbuddz/academy-api/internal/models"
	"github.com/swimbuddz/academy-api/internal/service"
	appErrors "github.com/swimbuddz/academy-api/pkg/errors"
	"github.com/swimbuddz/academy-api/pkg/response"
)

// CohortHandler exposes cohort read and timeline-shift endpoints.
type CohortHandler struct {
	cohorts     *service.CohortService
	enrollments *service.EnrollmentService
	timeline    *service.TimelineService
}

// NewCohortHandler constructs CohortHandler.
func NewCohortHandler(cohorts *service.CohortService, enrollments *service.EnrollmentService, timeline *service.TimelineService) *CohortHandler {
	return &CohortHandler{cohorts: cohorts, enrollments: enrollments, timeline: timeline}
}

// Get godoc
// @Summary Get cohort detail
// @Tags Cohorts
// @Produce json
// @Param id path string true "Cohort ID"
// @Success 200 {object} response.Envelope
// @Router /cohorts/{id} [get]
func (h *CohortHandler) Get(c *gin.Context) {
	detail, fromCache, err := h.cohorts.GetDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, fromCache)
	response.JSON(c, http.StatusOK, detail, nil, middleware.ExtractMeta(c))
}

// GetStats godoc
// @Summary Get cohort enrollment stats
// @Tags Cohorts
// @Produce json
// @Param id path string true "Cohort ID"
// @Success 200 {object} response.Envelope
// @Router /cohorts/{id}/enrollment-stats [get]
func (h *CohortHandler) GetStats(c *gin.Context) {
	stats, fromCache, err := h.cohorts.GetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	middleware.SetCacheHit(c, fromCache)
	response.JSON(c, http.StatusOK, stats, nil, middleware.ExtractMeta(c))
}

// ListEnrollments godoc
// @Summary List cohort enrollments
// @Tags Cohorts
// @Produce json
// @Param id path string true "Cohort ID"
// @Param status query string false "Filter by enrollment status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /cohorts/{id}/enrollments [get]
func (h *CohortHandler) ListEnrollments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	status := models.EnrollmentStatus(c.Query("status"))

	enrollments, total, err := h.enrollments.ListByCohort(c.Request.Context(), c.Param("id"), status, page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollments, &models.Pagination{
		Page: page, PageSize: limit, TotalCount: total,
	})
}

// PreviewShift godoc
// @Summary Preview a cohort timeline shift
// @Tags Cohorts
// @Accept json
// @Produce json
// @Param id path string true "Cohort ID"
// @Param payload body dto.TimelineShiftRequest true "Shift payload"
// @Success 200 {object} response.Envelope
// @Router /cohorts/{id}/timeline-shifts/preview [post]
func (h *CohortHandler) PreviewShift(c *gin.Context) {
	var req dto.TimelineShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	preview, err := h.timeline.Preview(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, preview, nil)
}

// ApplyShift godoc
// @Summary Apply a cohort timeline shift
// @Tags Cohorts
// @Accept json
// @Produce json
// @Param id path string true "Cohort ID"
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body dto.TimelineShiftRequest true "Shift payload"
// @Success 200 {object} response.Envelope
// @Router /cohorts/{id}/timeline-shifts [post]
func (h *CohortHandler) ApplyShift(c *gin.Context) {
	var req dto.TimelineShiftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	actor := ""
	if claims := claimsFromContext(c); claims != nil {
		actor = claims.UserID
	}
	var idempotencyKey *string
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		idempotencyKey = &key
	}
	result, err := h.timeline.Apply(c.Request.Context(), c.Param("id"), req, actor, idempotencyKey)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// ListShifts godoc
// @Summary List cohort timeline shift history
// @Tags Cohorts
// @Produce json
// @Param id path string true "Cohort ID"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /cohorts/{id}/timeline-shifts [get]
func (h *CohortHandler) ListShifts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	shifts, total, err := h.timeline.ListShifts(c.Request.Context(), c.Param("id"), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, shifts, &models.Pagination{
		Page: page, PageSize: limit, TotalCount: total,
	})
}
