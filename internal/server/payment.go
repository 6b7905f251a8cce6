package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/subchain/internal/payment/domain"
)

const HeaderIdempotencyKey = "Idempotency-Key"

func (s *Server) RecordPayment(c *gin.Context) {
	var req paymentdomain.RecordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		req.IdempotencyKey = key
	}
	req.SubscriberID = strings.TrimSpace(req.SubscriberID)
	req.TransactionHash = strings.TrimSpace(req.TransactionHash)

	payment, err := s.paymentSvc.RecordPayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) ListPayments(c *gin.Context) {
	var query paymentdomain.ListPaymentRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	query.SubscriberID = strings.TrimSpace(query.SubscriberID)
	query.PlanID = strings.TrimSpace(query.PlanID)
	query.Status = strings.TrimSpace(query.Status)

	resp, err := s.paymentSvc.ListPayments(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Payments, "page_info": resp.PageInfo})
}

func (s *Server) GetPaymentByID(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	payment, err := s.paymentSvc.GetPayment(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) RefundPayment(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req paymentdomain.RefundRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	req.PaymentID = id
	req.Reason = strings.TrimSpace(req.Reason)

	payment, err := s.paymentSvc.RefundPayment(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) DownloadReceipt(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	pdf, err := s.paymentSvc.RenderReceipt(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=receipt-%s.pdf", id))
	c.Data(http.StatusOK, "application/pdf", pdf)
}
