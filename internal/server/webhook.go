package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/subchain/internal/webhook/domain"
)

func (s *Server) CreateWebhook(c *gin.Context) {
	var req webhookdomain.CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.URL = strings.TrimSpace(req.URL)

	webhook, err := s.webhookSvc.CreateWebhook(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": webhook})
}

func (s *Server) ListWebhooks(c *gin.Context) {
	var query webhookdomain.ListWebhookRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.webhookSvc.ListWebhooks(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Webhooks, "page_info": resp.PageInfo})
}

func (s *Server) GetWebhookByID(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	webhook, err := s.webhookSvc.GetWebhook(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": webhook})
}

func (s *Server) UpdateWebhook(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req webhookdomain.UpdateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	webhook, err := s.webhookSvc.UpdateWebhook(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": webhook})
}

func (s *Server) DeleteWebhook(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := s.webhookSvc.DeleteWebhook(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ActivateWebhook(c *gin.Context) {
	s.setWebhookActive(c, true)
}

func (s *Server) DeactivateWebhook(c *gin.Context) {
	s.setWebhookActive(c, false)
}

func (s *Server) setWebhookActive(c *gin.Context, active bool) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	webhook, err := s.webhookSvc.SetWebhookActive(c.Request.Context(), id, active)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": webhook})
}

func (s *Server) RotateWebhookSecret(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	webhook, err := s.webhookSvc.RotateSecret(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": webhook})
}

func (s *Server) SendTestWebhook(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	event, err := s.webhookSvc.SendTest(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": event})
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var query webhookdomain.ListEventRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.WebhookID = id

	resp, err := s.webhookSvc.ListEvents(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

func (s *Server) RedeliverWebhookEvent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	event, err := s.webhookSvc.RedeliverEvent(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": event})
}
