package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
)

func (s *Server) CreatePlan(c *gin.Context) {
	var req billingdomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	plan, err := s.billingSvc.CreatePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": plan})
}

func (s *Server) ListPlans(c *gin.Context) {
	var query billingdomain.ListPlanRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.Status = strings.TrimSpace(query.Status)
	query.Search = strings.TrimSpace(query.Search)

	resp, err := s.billingSvc.ListPlans(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Plans, "page_info": resp.PageInfo})
}

func (s *Server) GetPlanByID(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	plan, err := s.billingSvc.GetPlan(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}

func (s *Server) UpdatePlan(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req billingdomain.UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.billingSvc.UpdatePlan(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}

func (s *Server) DeletePlan(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := s.billingSvc.DeletePlan(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ActivatePlan(c *gin.Context) {
	s.transitionPlan(c, billingdomain.PlanStatusActive)
}

func (s *Server) DeactivatePlan(c *gin.Context) {
	s.transitionPlan(c, billingdomain.PlanStatusInactive)
}

func (s *Server) transitionPlan(c *gin.Context, target billingdomain.PlanStatus) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	plan, err := s.billingSvc.TransitionPlan(c.Request.Context(), id, target)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}
