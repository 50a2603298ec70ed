package app

import (
	"errors"
	"fmt"
	"net/http"

	"fieldmap/api/internal/authpw"
	"fieldmap/api/internal/gateway"
	"fieldmap/api/internal/session"
	"fieldmap/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError translates component errors into the HTTP error taxonomy.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var verr *gateway.ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, "VALIDATION_FAILED", verr.Error(), verr.Fields
	}
	var rerr *gateway.RemoteError
	if errors.As(err, &rerr) {
		return http.StatusBadGateway, "REMOTE_WRITE_FAILED", gateway.ErrorMessage(err), nil
	}
	if errors.Is(err, gateway.ErrAuthRequired) || errors.Is(err, session.ErrNotFound) {
		return http.StatusUnauthorized, "AUTH_REQUIRED", "Sign in and select a project first", nil
	}
	if errors.Is(err, gateway.ErrConfirmationRequired) {
		return http.StatusConflict, "CONFIRMATION_REQUIRED", "Confirmation required", nil
	}
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	}
	if errors.Is(err, authpw.ErrEmailTaken) {
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
