package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
)

func (s *Server) ListRevenueShares(c *gin.Context) {
	var req payoutdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	shares, err := s.payoutSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": shares})
}

func (s *Server) GetRevenueShare(c *gin.Context) {
	share, err := s.payoutSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": share})
}

func (s *Server) ComputeRevenueShares(c *gin.Context) {
	var req payoutdomain.ComputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.payoutSvc.Compute(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) MarkRevenueSharePaid(c *gin.Context) {
	var req payoutdomain.MarkPaidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	share, err := s.payoutSvc.MarkPaid(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": share})
}

// RetryRevenueSharePayout answers 202 while the transfer is still pending at the gateway.
func (s *Server) RetryRevenueSharePayout(c *gin.Context) {
	share, err := s.payoutSvc.Retry(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if share.PayoutStatus == payoutdomain.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": share})
}
