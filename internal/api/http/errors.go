package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/deskd/internal/shared/fault"
)

// StatusFor maps a fault kind to an HTTP status code.
func StatusFor(kind fault.Kind) int {
	switch kind {
	case fault.InvalidArgument:
		return http.StatusBadRequest
	case fault.NotFound:
		return http.StatusNotFound
	case fault.DuplicateID, fault.InvalidStateTransition, fault.AlreadySuspended,
		fault.NoCheckpoint, fault.ArchiveNotFound:
		return http.StatusConflict
	case fault.QuotaExceeded:
		return http.StatusInsufficientStorage
	case fault.Timeout:
		return http.StatusGatewayTimeout
	case fault.Unavailable, fault.CapabilityMissing:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the classified error body and stops the chain.
func abortWithError(c *gin.Context, err error) {
	kind := fault.KindOf(err)
	status := StatusFor(kind)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error":     err.Error(),
		"kind":      kind.String(),
		"retryable": fault.IsRetryable(err),
	})
}
