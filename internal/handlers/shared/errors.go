package handlers

import (
	"errors"
	"net/http"
	"time"

	"gotow/internal/services"
	"gotow/internal/utils"
	"gotow/internal/validators"
	"gotow/pkg/logger"

	"github.com/gin-gonic/gin"
)

const storeRetryAfter = 2 * time.Second

// respondError maps service errors onto HTTP statuses and the error envelope.
func respondError(c *gin.Context, log *logger.Logger, err error) {
	var fieldErrs validators.ValidationErrors

	switch {
	case errors.As(err, &fieldErrs):
		utils.ValidationErrorResponse(c, fieldErrs.Fields())
	case errors.Is(err, services.ErrValidation):
		utils.BadRequestResponse(c, err.Error())
	case errors.Is(err, services.ErrForbidden):
		utils.ForbiddenResponse(c)
	case errors.Is(err, services.ErrRequestNotFound):
		utils.NotFoundResponse(c, "Request")
	case errors.Is(err, services.ErrQuoteNotFound):
		utils.NotFoundResponse(c, "Quote")
	case errors.Is(err, services.ErrAlreadyAccepted):
		utils.ConflictResponse(c, "ALREADY_ACCEPTED", "Request has already been accepted")
	case errors.Is(err, services.ErrDuplicateQuote):
		utils.ConflictResponse(c, "DUPLICATE_QUOTE", "You have already quoted this request")
	case errors.Is(err, services.ErrDriverBusy):
		utils.ConflictResponse(c, "DRIVER_BUSY", "Driver is serving another request")
	case errors.Is(err, services.ErrInvalidState):
		utils.ConflictResponse(c, "INVALID_STATE", "Request is not in a state that allows this operation")
	case errors.Is(err, services.ErrStoreUnavailable):
		log.WithContext(c.Request.Context()).WithError(err).Warn("Store unavailable")
		utils.ServiceUnavailableResponse(c, storeRetryAfter)
	default:
		log.WithContext(c.Request.Context()).WithError(err).Error("Unhandled service error")
		utils.InternalServerErrorResponse(c)
	}
}

// errorCode is the socket counterpart of respondError.
func errorCode(err error) (string, int) {
	switch {
	case errors.Is(err, services.ErrValidation):
		return "VALIDATION_ERROR", http.StatusBadRequest
	case errors.Is(err, services.ErrForbidden):
		return "FORBIDDEN", http.StatusForbidden
	case errors.Is(err, services.ErrRequestNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, services.ErrDuplicateQuote):
		return "DUPLICATE_QUOTE", http.StatusConflict
	case errors.Is(err, services.ErrInvalidState):
		return "INVALID_STATE", http.StatusConflict
	case errors.Is(err, services.ErrStoreUnavailable):
		return "STORE_UNAVAILABLE", http.StatusServiceUnavailable
	default:
		return "INTERNAL_ERROR", http.StatusInternalServerError
	}
}
