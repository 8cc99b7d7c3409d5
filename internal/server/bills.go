package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
)

type billReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) CreateBill(c *gin.Context) {
	var req billdomain.CreateBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	bill, err := s.billSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": bill})
}

func (s *Server) ListBills(c *gin.Context) {
	var req billdomain.ListBillRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.billSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Bills, "page_info": resp.PageInfo})
}

func (s *Server) GetBill(c *gin.Context) {
	bill, err := s.billSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bill})
}

func (s *Server) UpdateBillAmounts(c *gin.Context) {
	var req billdomain.UpdateBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	bill, err := s.billSvc.UpdateAmounts(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bill})
}

func (s *Server) ForceCloseBill(c *gin.Context) {
	req, ok := bindOptionalReason(c)
	if !ok {
		return
	}

	bill, err := s.billSvc.ForceClose(c.Request.Context(), strings.TrimSpace(c.Param("id")), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bill})
}

func (s *Server) ReopenBill(c *gin.Context) {
	req, ok := bindOptionalReason(c)
	if !ok {
		return
	}

	bill, err := s.billSvc.Reopen(c.Request.Context(), strings.TrimSpace(c.Param("id")), req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": bill})
}

func (s *Server) DeleteBill(c *gin.Context) {
	if err := s.billSvc.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// bindOptionalReason accepts an empty body or {"reason": "..."}.
func bindOptionalReason(c *gin.Context) (billReasonRequest, bool) {
	var req billReasonRequest
	if c.Request.ContentLength == 0 {
		return req, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return req, false
	}
	req.Reason = strings.TrimSpace(req.Reason)
	return req, true
}
