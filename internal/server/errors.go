package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tablepay/internal/audit/domain"
	billdomain "github.com/smallbiznis/tablepay/internal/bill/domain"
	"github.com/smallbiznis/tablepay/internal/gateway"
	"github.com/smallbiznis/tablepay/internal/ledgererr"
	paymentdomain "github.com/smallbiznis/tablepay/internal/payment/domain"
	payoutdomain "github.com/smallbiznis/tablepay/internal/payout/domain"
	refunddomain "github.com/smallbiznis/tablepay/internal/refund/domain"
	settlementdomain "github.com/smallbiznis/tablepay/internal/settlement/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type          string            `json:"type"`
	Message       string            `json:"message"`
	Errors        []ValidationError `json:"errors,omitempty"`
	CurrentStatus string            `json:"current_status,omitempty"`
	Retryable     bool              `json:"retryable,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

var validationErrors = []error{
	ErrInvalidRequest,

	billdomain.ErrInvalidID,
	billdomain.ErrInvalidAmount,
	billdomain.ErrInvalidStatus,
	billdomain.ErrInvalidPageToken,

	paymentdomain.ErrInvalidID,
	paymentdomain.ErrInvalidMethod,
	paymentdomain.ErrInvalidAmount,
	paymentdomain.ErrInvalidTipAmount,
	paymentdomain.ErrOverpayment,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidSignature,
	paymentdomain.ErrTimestampOutOfRange,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidEvent,
	paymentdomain.ErrMissingCorrelation,

	refunddomain.ErrInvalidID,
	refunddomain.ErrInvalidAmount,
	refunddomain.ErrRefundExceedsAvailable,

	settlementdomain.ErrInvalidBusinessDate,
	settlementdomain.ErrInvalidDateRange,
	settlementdomain.ErrInvalidCashCount,
	settlementdomain.ErrInvalidAmount,
	settlementdomain.ErrInvalidStatus,

	payoutdomain.ErrInvalidID,
	payoutdomain.ErrInvalidPeriod,
	payoutdomain.ErrInvalidStatus,
	payoutdomain.ErrInvalidTransferReference,
	payoutdomain.ErrInvalidCommissionRate,

	auditdomain.ErrInvalidPageToken,
	auditdomain.ErrInvalidTimeRange,
	auditdomain.ErrInvalidAction,
}

var notFoundErrors = []error{
	ErrNotFound,
	billdomain.ErrBillNotFound,
	paymentdomain.ErrPaymentNotFound,
	paymentdomain.ErrProviderNotFound,
	refunddomain.ErrRefundNotFound,
	settlementdomain.ErrSettlementNotFound,
	payoutdomain.ErrRevenueShareNotFound,
	gorm.ErrRecordNotFound,
}

var unauthorizedErrors = []error{
	ErrUnauthorized,
	billdomain.ErrInvalidRestaurant,
	paymentdomain.ErrInvalidRestaurant,
	refunddomain.ErrInvalidRestaurant,
	settlementdomain.ErrInvalidRestaurant,
	auditdomain.ErrInvalidRestaurant,
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if matchesAny(err, validationErrors) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	if conflict, ok := ledgererr.AsConflict(err); ok {
		kind := "conflict"
		if errors.Is(err, payoutdomain.ErrDuplicatePayout) {
			kind = "duplicate"
		}
		return http.StatusConflict, errorPayload{
			Type:          kind,
			Message:       conflict.Error(),
			CurrentStatus: conflict.CurrentStatus,
			Retryable:     conflict.Retryable,
		}
	}

	switch {
	case matchesAny(err, unauthorizedErrors):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case matchesAny(err, notFoundErrors):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, payoutdomain.ErrRetryInProgress):
		return http.StatusConflict, errorPayload{
			Type:      "conflict",
			Message:   payoutdomain.ErrRetryInProgress.Error(),
			Retryable: true,
		}
	case errors.Is(err, payoutdomain.ErrNotEligible),
		errors.Is(err, settlementdomain.ErrDayNotOver),
		errors.Is(err, refunddomain.ErrIdempotencyKeyReused):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictCode(err),
		}
	case errors.Is(err, paymentdomain.ErrAmountMismatch):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable_entity",
			Message: paymentdomain.ErrAmountMismatch.Error(),
		}
	case errors.Is(err, payoutdomain.ErrTransferRejected),
		errors.Is(err, gateway.ErrRejected):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "upstream_rejected",
			Message: "the gateway rejected the request",
		}
	case errors.Is(err, payoutdomain.ErrTransferUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "transfer_unavailable",
			Message: "transfers are not configured",
		}
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable),
		errors.Is(err, refunddomain.ErrGatewayUnavailable),
		errors.Is(err, payoutdomain.ErrUpstreamUnavailable),
		errors.Is(err, gateway.ErrUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:      "upstream_unavailable",
			Message:   "payment gateway unavailable",
			Retryable: true,
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the response type and code the request logger records.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	if len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, payload.Message
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// validationErrorCode returns the matched sentinel's code rather than the
// wrapped message.
func validationErrorCode(err error) string {
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func conflictCode(err error) string {
	for _, target := range []error{payoutdomain.ErrNotEligible, settlementdomain.ErrDayNotOver, refunddomain.ErrIdempotencyKeyReused} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "conflict"
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "amount_exceeds_balance", "refund_exceeds_available":
		return "amount"
	case "invalid_page_token":
		return "page_token"
	case "missing_correlation_id", "invalid_payload", "invalid_event":
		return "payload"
	case "timestamp_out_of_range":
		return "timestamp"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "amount_exceeds_balance":
		return "amount exceeds the bill balance"
	case "refund_exceeds_available":
		return "amount exceeds the refundable balance"
	case "invalid_signature":
		return "signature verification failed"
	default:
		return "invalid value"
	}
}
