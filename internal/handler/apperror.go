package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrInvalidSignature  = &AppError{http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature is invalid"}
	ErrStartRejected     = &AppError{http.StatusUnprocessableEntity, "PAYMENT_REJECTED", "Provider rejected the payment"}
	ErrSessionFinished   = &AppError{http.StatusConflict, "SESSION_FINISHED", "Session already reached a final state"}
	ErrCancelNotAccepted = &AppError{http.StatusConflict, "CANCEL_NOT_ACCEPTED", "Provider did not accept the cancellation"}
	ErrShuttingDown      = &AppError{http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down"}
	ErrInvalidAmount     = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
)
