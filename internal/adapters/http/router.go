package httpadapter

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/kirillkom/doctor-video-intake/internal/config"
	"github.com/kirillkom/doctor-video-intake/internal/core/ports"
	"github.com/kirillkom/doctor-video-intake/internal/observability/metrics"
)

const serviceName = "api"

// OutputLocator resolves finalized outputs for static serving.
type OutputLocator interface {
	OutputPath(ref, name string) string
}

type Services struct {
	Intake      ports.ChunkIngestor
	Finalizer   ports.Finalizer
	Cleaner     ports.SubmissionCleaner
	Submissions ports.SubmissionService
	Outputs     OutputLocator
}

type Router struct {
	cfg       config.Config
	svc       Services
	logger    *slog.Logger
	validator *requestValidator

	httpMetrics    *metrics.HTTPServerMetrics
	metricsHandler http.Handler
}

func NewRouter(cfg config.Config, svc Services, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
	}
	if cfg.APIValidateOpenAPI {
		validator, err := loadRequestValidator()
		if err != nil {
			return nil, err
		}
		rt.validator = validator
	}
	return rt, nil
}

// WithMetrics instruments the handler and exposes handler on /metrics.
func (rt *Router) WithMetrics(m *metrics.HTTPServerMetrics, handler http.Handler) *Router {
	rt.httpMetrics = m
	rt.metricsHandler = handler
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.metricsHandler != nil {
		mux.Handle("GET /metrics", rt.metricsHandler)
	}

	rt.route(mux, "POST", "/v1/submissions", false, rt.registerSubmission)
	rt.route(mux, "GET", "/v1/submissions/latest", false, rt.listLatest)
	rt.route(mux, "GET", "/v1/submissions/{id}", false, rt.getSubmission)
	rt.route(mux, "POST", "/v1/submissions/{id}/send-link", false, rt.sendLink)

	rt.route(mux, "GET", "/v1/records/{ref}", false, rt.getRecord)
	rt.route(mux, "POST", "/v1/records/{ref}", true, rt.uploadChunk)
	rt.route(mux, "DELETE", "/v1/records/{ref}", false, rt.deleteRecord)
	rt.route(mux, "POST", "/v1/records/{ref}/finish", false, rt.finalize)
	rt.route(mux, "POST", "/v1/records/{ref}/cleanup", false, rt.cleanup)
	rt.route(mux, "DELETE", "/v1/records/{ref}/outputs/{name}", false, rt.deleteOutput)

	if rt.cfg.APIServeOutputs && rt.svc.Outputs != nil {
		mux.HandleFunc("GET /uploads/{ref}/{file}", rt.serveOutput)
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIBackpressureMax, rt.cfg.APIBackpressureWait)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	if rt.httpMetrics != nil {
		handler = rt.httpMetrics.Middleware(serviceName, handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

// route registers an OpenAPI-validated handler. skipBody leaves the body to
// the handler, which is needed for streamed multipart uploads.
func (rt *Router) route(mux *http.ServeMux, method, template string, skipBody bool, handler http.HandlerFunc) {
	mux.HandleFunc(method+" "+template, rt.validator.wrap(template, skipBody, handler))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (rt *Router) outputURL(ref, output string) string {
	if output == "" {
		return ""
	}
	return strings.TrimRight(rt.cfg.PublicBaseURL, "/") + "/uploads/" + ref + "/" + output
}
