package churn

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/churnrisk/internal/logging"
)

// Handler provides HTTP endpoints for churn scoring.
type Handler struct {
	service *Service
	now     func() time.Time
}

// NewHandler creates a new churn handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, now: time.Now}
}

// RegisterRoutes sets up churn routes on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/companies/:companyId/customers/:customerId/churn-risk", h.CalculateChurnRisk)
	r.GET("/companies/:companyId/customers/:customerId/intent", h.GetCustomerIntent)
	r.POST("/companies/:companyId/churn-risk/batch", h.BatchCalculateChurnRisk)
	r.GET("/companies/:companyId/churn-risk/high-risk", h.GetHighRiskCustomers)
}

// BatchRequest is the request body for batch scoring.
type BatchRequest struct {
	CustomerIDs []string `json:"customerIds" binding:"required"`
}

// CalculateChurnRisk handles POST /v1/companies/:companyId/customers/:customerId/churn-risk
func (h *Handler) CalculateChurnRisk(c *gin.Context) {
	score, err := h.service.CalculateChurnRisk(c.Request.Context(), c.Param("companyId"), c.Param("customerId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

// GetCustomerIntent handles GET /v1/companies/:companyId/customers/:customerId/intent
func (h *Handler) GetCustomerIntent(c *gin.Context) {
	score, err := h.service.GetCustomerIntent(c.Request.Context(), c.Param("companyId"), c.Param("customerId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"intent": score,
		"stale":  score.Expired(h.now()),
	})
}

// BatchCalculateChurnRisk handles POST /v1/companies/:companyId/churn-risk/batch
func (h *Handler) BatchCalculateChurnRisk(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "customerIds is required",
		})
		return
	}

	result, err := h.service.BatchCalculateChurnRisk(c.Request.Context(), c.Param("companyId"), req.CustomerIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scores":    result.Scores,
		"failures":  result.Failures,
		"succeeded": len(result.Scores),
		"failed":    len(result.Failures),
	})
}

// GetHighRiskCustomers handles GET /v1/companies/:companyId/churn-risk/high-risk
func (h *Handler) GetHighRiskCustomers(c *gin.Context) {
	f := HighRiskFilter{
		RiskLevel: RiskLevel(c.Query("riskLevel")),
		Urgency:   Urgency(c.Query("urgency")),
	}
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		f.Limit = parsed
	}

	scores, err := h.service.GetHighRiskCustomers(c.Request.Context(), c.Param("companyId"), f)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if scores == nil {
		scores = []*Score{}
	}
	c.JSON(http.StatusOK, gin.H{
		"customers": scores,
		"count":     len(scores),
	})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrCustomerNotFound), errors.Is(err, ErrScoreNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUpstream):
		status = http.StatusBadGateway
	case errors.Is(err, ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	if status >= http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("churn request failed",
			"path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"error":   ErrorCode(err),
		"message": err.Error(),
	})
}
