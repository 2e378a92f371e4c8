package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/MarkoPoloResearchLab/transfers/pkg/transfer"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const retryAfterHeader = "Retry-After"

func statusForKind(kind string) int {
	switch kind {
	case transfer.KindUnauthorized:
		return http.StatusUnauthorized
	case transfer.KindLocked:
		return http.StatusLocked
	case transfer.KindNotFound:
		return http.StatusNotFound
	case transfer.KindInvalidAmount, transfer.KindSelfTransfer, transfer.KindInvalidRequest:
		return http.StatusBadRequest
	case transfer.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case transfer.KindIdempotencyMismatch:
		return http.StatusConflict
	case transfer.KindTimeout:
		return http.StatusServiceUnavailable
	case transfer.KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error envelope for err. Internal failures are logged and masked.
func (handler *httpHandler) respondError(ctx *gin.Context, operation string, err error) {
	kind := transfer.ErrorKind(err)
	status := statusForKind(kind)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.String("error_kind", kind), zap.Error(err))
		message = "request could not be completed"
	}
	body := errorResponse(kind, message)

	var pinError *transfer.PinError
	if errors.As(err, &pinError) {
		details := body["error"].(gin.H)
		if kind == transfer.KindLocked {
			seconds := int64(math.Ceil(pinError.RetryAfter.Seconds()))
			details["retryAfterSeconds"] = seconds
			ctx.Header(retryAfterHeader, strconv.FormatInt(seconds, 10))
		} else {
			details["attemptsRemaining"] = pinError.AttemptsRemaining
		}
	}
	if kind == transfer.KindTimeout || kind == transfer.KindInternal {
		body["error"].(gin.H)["retryable"] = true
	}
	ctx.JSON(status, body)
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
