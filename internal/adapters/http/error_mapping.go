package httpadapter

import (
	"log/slog"
	"net/http"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSubmissionNotFound),
		domain.IsKind(err, domain.ErrOutputNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrFinalizeInProgress):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrEmptySubmission),
		domain.IsKind(err, domain.ErrNoValidChunks):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrMergeFailed):
		return http.StatusBadGateway
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := mapErrorToHTTPStatus(err)
	resp := errorResponse{
		Error:  err.Error(),
		Code:   domain.ErrorCode(err),
		Reason: domain.MergeReason(err),
	}
	if status == http.StatusInternalServerError {
		slog.Error("http_internal_error", "error", err)
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}
