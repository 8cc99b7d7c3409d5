package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	refunddomain "github.com/smallbiznis/tablepay/internal/refund/domain"
)

func (s *Server) CreatePayment(c *gin.Context) {
	var req paymentdomain.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payment, err := s.paymentSvc.Create(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": payment})
}

func (s *Server) ListBillPayments(c *gin.Context) {
	payments, err := s.paymentSvc.ListByBill(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payments})
}

func (s *Server) GetPayment(c *gin.Context) {
	payment, err := s.paymentSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) ConfirmPayment(c *gin.Context) {
	payment, err := s.paymentSvc.Confirm(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

func (s *Server) FailPayment(c *gin.Context) {
	var req paymentdomain.FailPaymentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	payment, err := s.paymentSvc.Fail(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payment})
}

// HeaderIdempotencyKey lets a client replay a refund request safely.
const HeaderIdempotencyKey = "Idempotency-Key"

// CreateRefund answers 202 when the refund was submitted to the gateway and
// has not resolved yet. An Idempotency-Key header stands in for the body field.
func (s *Server) CreateRefund(c *gin.Context) {
	var req refunddomain.CreateRefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		req.IdempotencyKey = c.GetHeader(HeaderIdempotencyKey)
	}

	refund, err := s.refundSvc.Refund(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	if refund.Status == refunddomain.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": refund})
}

func (s *Server) ListPaymentRefunds(c *gin.Context) {
	refunds, err := s.refundSvc.List(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refunds})
}
