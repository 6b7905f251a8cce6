package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/subchain/internal/billing/domain"
)

type subscriberTransitionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) EnrollSubscriber(c *gin.Context) {
	var req billingdomain.EnrollSubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriber, err := s.billingSvc.EnrollSubscriber(c.Request.Context(), billingdomain.EnrollSubscriberRequest{
		PlanID:        strings.TrimSpace(req.PlanID),
		WalletAddress: strings.TrimSpace(req.WalletAddress),
		Email:         strings.TrimSpace(req.Email),
		Metadata:      req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": subscriber})
}

func (s *Server) ListSubscribers(c *gin.Context) {
	var query billingdomain.ListSubscriberRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.Status = strings.TrimSpace(query.Status)
	query.PlanID = strings.TrimSpace(query.PlanID)
	query.Search = strings.TrimSpace(query.Search)

	resp, err := s.billingSvc.ListSubscribers(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Subscribers, "page_info": resp.PageInfo})
}

func (s *Server) GetSubscriberByID(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	subscriber, err := s.billingSvc.GetSubscriber(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}

func (s *Server) UpdateSubscriber(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req billingdomain.UpdateSubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriber, err := s.billingSvc.UpdateSubscriber(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}

func (s *Server) PauseSubscriber(c *gin.Context) {
	s.transitionSubscriber(c, billingdomain.SubscriberStatusPaused)
}

func (s *Server) ResumeSubscriber(c *gin.Context) {
	s.transitionSubscriber(c, billingdomain.SubscriberStatusActive)
}

func (s *Server) CancelSubscriber(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req subscriberTransitionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	subscriber, err := s.billingSvc.CancelSubscriber(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}

func (s *Server) transitionSubscriber(c *gin.Context, target billingdomain.SubscriberStatus) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req subscriberTransitionRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	subscriber, err := s.billingSvc.TransitionSubscriber(c.Request.Context(), billingdomain.TransitionSubscriberRequest{
		ID:     id,
		Target: target,
		Reason: strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": subscriber})
}
