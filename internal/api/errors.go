package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danmuck/taskmesh/internal/dispatch"
	"github.com/danmuck/taskmesh/internal/supervisor"
	"github.com/gin-gonic/gin"
)

var ErrBadRequest = errors.New("api: bad request")

const (
	CodeBadRequest          = "bad_request"
	CodeWorkspaceNotFound   = "workspace_not_found"
	CodeTaskNotFound        = "task_not_found"
	CodeNoInstanceAvailable = "no_instance_available"
	CodeInvocationTimeout   = "invocation_timeout"
	CodeWorkerFailed        = "worker_failed"
	CodeUpgradeRequired     = "upgrade_required"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal"
)

// ErrorBody is the JSON shape of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, CodeBadRequest
	case errors.Is(err, supervisor.ErrWorkspaceNotFound):
		return http.StatusNotFound, CodeWorkspaceNotFound
	case errors.Is(err, supervisor.ErrTaskNotFound), errors.Is(err, dispatch.ErrTaskNotFound):
		return http.StatusNotFound, CodeTaskNotFound
	case errors.Is(err, dispatch.ErrNoInstanceAvailable):
		return http.StatusServiceUnavailable, CodeNoInstanceAvailable
	case errors.Is(err, dispatch.ErrInvocationTimeout):
		return http.StatusGatewayTimeout, CodeInvocationTimeout
	case errors.Is(err, dispatch.ErrWorkerFailed):
		return http.StatusBadGateway, CodeWorkerFailed
	case errors.Is(err, supervisor.ErrClosed), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.JSON(status, ErrorBody{Error: err.Error(), Code: code})
}
