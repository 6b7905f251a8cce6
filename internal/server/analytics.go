package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	analyticsdomain "github.com/smallbiznis/subchain/internal/analytics/domain"
)

func (s *Server) AnalyticsOverview(c *gin.Context) {
	days, err := parseOptionalInt64(c.Query("window_days"))
	if err != nil || (days != nil && *days <= 0) {
		AbortWithError(c, newValidationError("window_days", "invalid_window", "invalid window_days"))
		return
	}

	var req analyticsdomain.OverviewRequest
	if days != nil {
		req.Window = time.Duration(*days) * 24 * time.Hour
	}
	if period := c.Query("period"); period != "" {
		if days != nil {
			AbortWithError(c, newValidationError("period", "invalid_period", "use either period or window_days"))
			return
		}
		window, err := analyticsdomain.ParsePeriod(period)
		if err != nil {
			AbortWithError(c, newValidationError("period", "invalid_period", "period must look like 7d, 30d or 90d"))
			return
		}
		req.Window = window
	}

	overview, err := s.analyticsSvc.Overview(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": overview})
}
