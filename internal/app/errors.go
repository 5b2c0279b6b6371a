package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/deka641/vellum-sub001/internal/auth"
	"github.com/deka641/vellum-sub001/internal/pages"
	"github.com/deka641/vellum-sub001/internal/ratelimit"
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

// RateLimitedError is returned before the requested operation ran.
type RateLimitedError struct {
	Result ratelimit.Result
}

func (e *RateLimitedError) Error() string {
	return "rate limit exceeded"
}

var errBadCronToken = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Invalid cron token", nil)

func invalidBody(message string) *DomainError {
	return domainError(http.StatusBadRequest, "INVALID_BODY", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var (
		domainErr   *DomainError
		validation  *pages.ValidationError
		conflict    *pages.ConflictError
		notFound    *pages.NotFoundError
		transient   *pages.TransientError
		configErr   *pages.ConfigurationError
		rateLimited *RateLimitedError
	)
	switch {
	case errors.As(err, &domainErr):
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Reason, nil
	case errors.As(err, &conflict):
		return http.StatusConflict, "CONFLICT", "Page was modified elsewhere", conflict.Server
	case errors.As(err, &notFound):
		return http.StatusNotFound, "NOT_FOUND", notFound.Error(), nil
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil
	case errors.As(err, &transient):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Storage temporarily unavailable", nil
	case errors.As(err, &configErr):
		return http.StatusInternalServerError, "CONFIGURATION_ERROR", configErr.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
