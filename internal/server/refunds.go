package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type failRefundRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) ConfirmRefund(c *gin.Context) {
	refund, err := s.refundSvc.Confirm(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refund})
}

func (s *Server) FailRefund(c *gin.Context) {
	var req failRefundRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	refund, err := s.refundSvc.Fail(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refund})
}

func (s *Server) CancelRefund(c *gin.Context) {
	refund, err := s.refundSvc.Cancel(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": refund})
}
