package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tablepay/internal/orgcontext"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
)

type cashCountRequest struct {
	Counted *int64 `json:"counted"`
}

func (s *Server) ListSettlements(c *gin.Context) {
	var req settlementdomain.ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	days, err := s.settlementSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": days})
}

func (s *Server) GetDailySettlement(c *gin.Context) {
	day, err := s.settlementSvc.GetDaily(c.Request.Context(), strings.TrimSpace(c.Param("date")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": day})
}

func (s *Server) VerifySettlement(c *gin.Context) {
	restaurantID, ok := orgcontext.RestaurantIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.settlementSvc.Verify(c.Request.Context(), restaurantID, strings.TrimSpace(c.Param("date")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) RecordCashCount(c *gin.Context) {
	var req cashCountRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Counted == nil {
		AbortWithError(c, newValidationError("counted", "required", "counted is required"))
		return
	}

	day, err := s.settlementSvc.RecordCashCount(c.Request.Context(), strings.TrimSpace(c.Param("date")), *req.Counted)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": day})
}

func (s *Server) CloseSettlementDay(c *gin.Context) {
	day, err := s.settlementSvc.CloseDay(c.Request.Context(), strings.TrimSpace(c.Param("date")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": day})
}

func (s *Server) DownloadSettlementStatement(c *gin.Context) {
	statement, err := s.settlementSvc.Statement(c.Request.Context(), strings.TrimSpace(c.Param("date")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+statement.FileName+`"`)
	c.Status(http.StatusOK)
	c.Header("Content-Type", "application/pdf")
	if _, err := io.Copy(c.Writer, statement.Content); err != nil {
		_ = c.Error(err)
	}
}
