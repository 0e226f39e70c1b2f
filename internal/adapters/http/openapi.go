package httpadapter

import (
	_ "embed"
	"fmt"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"

	"github.com/kirillkom/doctor-video-intake/internal/core/domain"
)

//go:embed openapi.yaml
var openAPISpec []byte

// requestValidator checks requests against the embedded OpenAPI document.
// Routing is done by ServeMux; the validator only needs the template the
// handler was registered under.
type requestValidator struct {
	doc *openapi3.T
}

func loadRequestValidator() (*requestValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi document: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate openapi document: %w", err)
	}
	return &requestValidator{doc: doc}, nil
}

// wrap validates path, query and (unless skipBody) body parameters of
// requests routed to template before calling next.
func (v *requestValidator) wrap(template string, skipBody bool, next http.HandlerFunc) http.HandlerFunc {
	if v == nil {
		return next
	}
	pathItem := v.doc.Paths.Value(template)
	if pathItem == nil {
		panic("openapi: no path item for " + template)
	}
	options := &openapi3filter.Options{
		ExcludeRequestBody: skipBody,
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		operation := pathItem.GetOperation(r.Method)
		if operation == nil {
			next(w, r)
			return
		}
		route := &routers.Route{
			Spec:      v.doc,
			Path:      template,
			PathItem:  pathItem,
			Method:    r.Method,
			Operation: operation,
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    r,
			PathParams: pathParams(template, r),
			Route:      route,
			Options:    options,
		}
		if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
			writeError(w, domain.WrapError(domain.ErrInvalidInput, "validate request", requestErrorCause(err)))
			return
		}
		next(w, r)
	}
}

func pathParams(template string, r *http.Request) map[string]string {
	params := map[string]string{}
	for _, segment := range strings.Split(template, "/") {
		if strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
			name := strings.Trim(segment, "{}")
			params[name] = r.PathValue(name)
		}
	}
	return params
}

// requestErrorCause trims the validator's verbose error down to the part a
// client can act on.
func requestErrorCause(err error) error {
	if reqErr, ok := err.(*openapi3filter.RequestError); ok {
		switch {
		case reqErr.Parameter != nil:
			reason := reqErr.Reason
			if reason == "" && reqErr.Err != nil {
				reason = reqErr.Err.Error()
			}
			return fmt.Errorf("parameter %q: %s", reqErr.Parameter.Name, reason)
		case reqErr.RequestBody != nil && reqErr.Err != nil:
			return fmt.Errorf("request body: %v", reqErr.Err)
		}
	}
	return err
}
