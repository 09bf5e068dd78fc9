package errors

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

// Map converts domain and infra errors into gRPC status errors.
// Keeps service layer clean by centralizing error mapping.
func Map(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && KindOf(err) == "" {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return status.Error(codes.NotFound, "record not found")

	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request was canceled")
	}

	switch KindOf(err) {
	case KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case KindConflict:
		return status.Error(codes.AlreadyExists, err.Error())
	case KindForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case KindTransient:
		return status.Error(codes.Unavailable, err.Error())
	case KindFatal:
		return status.Error(codes.FailedPrecondition, err.Error())
	}

	// fallback → bubble up error message for debugging
	return status.Error(codes.Internal, err.Error())
}

// HTTPStatus picks the REST status code for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindFatal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Code is the short machine-readable code for an error response body.
func Code(err error) string {
	if k := KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return string(KindNotFound)
	}
	return "internal"
}

// InvalidArgument creates a gRPC InvalidArgument error.
// Use this in service layer for bad input validation.
func InvalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}
