package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/chat2site/internal/errors"
)

// problemFor maps a domain error onto a problem detail. Internal failures
// never leak their message.
func problemFor(err error) ProblemDetail {
	var timeout *perrors.DeploymentTimeout
	var deployErr *perrors.DeploymentError

	switch {
	case errors.Is(err, perrors.ErrInvalidInput), errors.Is(err, perrors.ErrVerification):
		return ProblemDetail{Type: "invalid_request", Title: "Bad Request",
			Status: fiber.StatusBadRequest, Detail: err.Error()}
	case errors.Is(err, perrors.ErrNotFound):
		return ProblemDetail{Type: "not_found", Title: "Not Found",
			Status: fiber.StatusNotFound, Detail: err.Error()}
	case errors.As(err, &timeout):
		return ProblemDetail{Type: "deploy_timeout", Title: "Gateway Timeout",
			Status: fiber.StatusGatewayTimeout,
			Detail: "Deployment is taking longer than expected. It may still go live shortly."}
	case errors.As(err, &deployErr):
		return ProblemDetail{Type: "deploy_failed", Title: "Bad Gateway",
			Status: fiber.StatusBadGateway, Detail: "Deployment failed at " + deployErr.Stage}
	case errors.Is(err, perrors.ErrUnavailable), errors.Is(err, perrors.ErrRateLimit):
		return ProblemDetail{Type: "unavailable", Title: "Service Unavailable",
			Status: fiber.StatusServiceUnavailable, Detail: "A dependency is unavailable. Please try again later."}
	case errors.Is(err, perrors.ErrAuthFailure):
		return ProblemDetail{Type: "upstream_error", Title: "Bad Gateway",
			Status: fiber.StatusBadGateway, Detail: "An upstream service rejected our credentials"}
	default:
		return ProblemDetail{Type: "internal_error", Title: "Internal Server Error",
			Status: fiber.StatusInternalServerError, Detail: "An internal error occurred"}
	}
}
