package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/models"
)

const requestIDKey = "jarvis.request_id"

// requestID assigns each request an id, honoring an inbound X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = models.NewID()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// httpStatus maps an error kind to its HTTP status.
func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindAuthentication:
		return http.StatusUnauthorized
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindRateLimit, apperr.KindBudgetExceeded:
		return http.StatusTooManyRequests
	case apperr.KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindCircuitOpen:
		return http.StatusServiceUnavailable
	case apperr.KindExternalService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the structured failure shape. Untyped errors
// surface as Internal without leaking their message.
func writeError(c *gin.Context, err error) {
	code := "Internal"
	message := "internal error"
	var details map[string]any
	status := http.StatusInternalServerError

	var e *apperr.Error
	if errors.As(err, &e) {
		status = httpStatus(e.Kind)
		code = e.Code
		if code == "" {
			code = string(e.Kind)
		}
		message = e.Message
		details = e.Details
		if e.Kind == apperr.KindRateLimit {
			c.Header("Retry-After", "1")
		}
	}

	reqID := c.GetString(requestIDKey)
	traceID := c.GetHeader("X-Trace-ID")
	if traceID == "" {
		traceID = reqID
	}
	body := gin.H{
		"error":      code,
		"message":    message,
		"requestId":  reqID,
		"traceId":    traceID,
		"path":       c.Request.URL.Path,
		"method":     c.Request.Method,
		"statusCode": status,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.JSON(status, body)
}
