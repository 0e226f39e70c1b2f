package httpadapter

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

type submissionResponse struct {
	*domain.Submission
	State    domain.SubmissionState `json:"state"`
	VideoURL string                 `json:"video_url,omitempty"`
}

func (rt *Router) present(sub *domain.Submission) submissionResponse {
	return submissionResponse{
		Submission: sub,
		State:      sub.State(),
		VideoURL:   rt.outputURL(sub.ExternalRef, sub.LatestOutput()),
	}
}

func (rt *Router) registerSubmission(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode register request", err))
		return
	}
	sub, err := rt.svc.Submissions.Register(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rt.present(sub))
}

func (rt *Router) listLatest(w http.ResponseWriter, r *http.Request) {
	var limit int
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &limit); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "bind limit", err))
		return
	}
	subs, err := rt.svc.Submissions.ListLatest(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]submissionResponse, 0, len(subs))
	for i := range subs {
		items = append(items, rt.present(&subs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": items})
}

func (rt *Router) getSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := submissionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sub, err := rt.svc.Submissions.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.present(sub))
}

func (rt *Router) sendLink(w http.ResponseWriter, r *http.Request) {
	id, err := submissionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	event, err := rt.svc.Submissions.SendLink(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

func submissionID(r *http.Request) (int64, error) {
	var id int64
	err := runtime.BindStyledParameterWithOptions("simple", "id", r.PathValue("id"), &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Required:      true,
	})
	if err != nil {
		return 0, domain.WrapError(domain.ErrInvalidInput, "bind id", err)
	}
	if id <= 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "bind id", fmt.Errorf("id must be positive"))
	}
	return id, nil
}
