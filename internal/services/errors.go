package services

import (
	"errors"
	"net/http"

	goa "goa.design/goa/v3/pkg"
)

// Error names shared with the HTTP layer
const (
	ErrNameBadRequest   = "bad_request"
	ErrNameUnauthorized = "unauthorized"
	ErrNameNotFound     = "not_found"
	ErrNameConflict     = "conflict"
	ErrNameUnavailable  = "unavailable"
)

// StatusCode maps a service error to an HTTP status; unknown errors are 500
func StatusCode(err error) int {
	var se *goa.ServiceError
	if !errors.As(err, &se) {
		return http.StatusInternalServerError
	}
	switch se.Name {
	case ErrNameBadRequest:
		return http.StatusBadRequest
	case ErrNameUnauthorized:
		return http.StatusUnauthorized
	case ErrNameNotFound:
		return http.StatusNotFound
	case ErrNameConflict:
		return http.StatusConflict
	case ErrNameUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
