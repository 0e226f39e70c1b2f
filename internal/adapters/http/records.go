package httpadapter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/oapi-codegen/runtime"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

const (
	videoField    = "video"
	filenameField = "filename"
	// multipartOverhead covers boundaries and the small text fields.
	multipartOverhead = 1 << 20
)

func (rt *Router) getRecord(w http.ResponseWriter, r *http.Request) {
	sub, err := rt.svc.Submissions.Get(r.Context(), r.PathValue("ref"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.present(sub))
}

// uploadChunk streams the multipart "video" part straight to the chunk
// store. A "filename" field must precede the video part to take effect.
func (rt *Router) uploadChunk(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if rt.cfg.MaxChunkBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, rt.cfg.MaxChunkBytes+multipartOverhead)
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "upload chunk", err))
		return
	}

	var filename string
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, domain.WrapError(domain.ErrInvalidInput, "upload chunk", fmt.Errorf("no video file uploaded")))
			return
		}
		if err != nil {
			writeError(w, domain.WrapError(domain.ErrInvalidInput, "upload chunk", err))
			return
		}

		switch part.FormName() {
		case filenameField:
			raw, err := io.ReadAll(io.LimitReader(part, 1024))
			_ = part.Close()
			if err != nil {
				writeError(w, domain.WrapError(domain.ErrInvalidInput, "upload chunk", err))
				return
			}
			filename = strings.TrimSpace(string(raw))
		case videoField:
			if filename == "" {
				filename = part.FileName()
			}
			receipt, err := rt.svc.Intake.AppendChunk(r.Context(), ref, domain.ChunkUpload{
				Filename: filename,
				MimeType: partMediaType(part.Header.Get("Content-Type")),
				Body:     part,
			})
			_ = part.Close()
			if err != nil {
				var maxErr *http.MaxBytesError
				if errors.As(err, &maxErr) {
					err = domain.WrapError(domain.ErrInvalidInput, "upload chunk", err)
				}
				writeError(w, err)
				return
			}
			if rt.httpMetrics != nil {
				rt.httpMetrics.RecordChunkBytes(serviceName, receipt.Bytes)
			}
			writeJSON(w, http.StatusCreated, receipt)
			return
		default:
			_ = part.Close()
		}
	}
}

func partMediaType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	return mediaType
}

type finalizeResponse struct {
	*domain.FinalizeResult
	Message string `json:"message"`
}

func (rt *Router) finalize(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")

	var async bool
	if err := runtime.BindQueryParameter("form", true, false, "async", r.URL.Query(), &async); err != nil {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "bind async", err))
		return
	}

	var req domain.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "decode finalize request", err))
		return
	}

	if async {
		job, err := rt.svc.Finalizer.RequestFinalize(r.Context(), ref, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
		return
	}

	result, err := rt.svc.Finalizer.Finalize(r.Context(), ref, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		FinalizeResult: result,
		Message:        "Video recording completed successfully",
	})
}

func (rt *Router) cleanup(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	if err := rt.svc.Cleaner.Cleanup(r.Context(), ref); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleaned", "external_ref": ref})
}

func (rt *Router) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Submissions.DeleteSubmission(r.Context(), r.PathValue("ref")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) deleteOutput(w http.ResponseWriter, r *http.Request) {
	if err := rt.svc.Submissions.DeleteOutput(r.Context(), r.PathValue("ref"), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveOutput serves finalized videos with range support. Scratch files and
// directories are never reachable.
func (rt *Router) serveOutput(w http.ResponseWriter, r *http.Request) {
	ref, name := r.PathValue("ref"), r.PathValue("file")
	if domain.ValidateRef(ref) != nil || !domain.IsPlainName(name) {
		http.NotFound(w, r)
		return
	}
	f, err := os.Open(rt.svc.Outputs.OutputPath(ref, name))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}
