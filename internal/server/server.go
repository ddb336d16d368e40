// Package server exposes schemas, forms, boards and cycle operations over a
// huma/chi HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"boardline/internal/app"
	"boardline/internal/board"
	"boardline/internal/engine"
	"boardline/internal/form"
	"boardline/internal/gateway"
	"boardline/internal/schema"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"cycle_rule"`
	Message string         `json:"message" example:"Sprint 2 has no work items"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handler struct {
	app    *app.App
	logger *slog.Logger
}

func (h handler) engine() engine.Engine { return h.app.Engine() }

// New returns an HTTP handler exposing the boardline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestID)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.HandlerFor(cfg.App.Registry, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("Boardline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handler{app: cfg.App, logger: logger}
	registerHealth(group)
	h.registerSession(group)
	h.registerSchemas(group)
	h.registerForms(group)
	h.registerBoards(group)
	h.registerItems(group)
	h.registerCycles(group)
	h.registerEvents(group)
	registerOpenAPI(router, api, basePath, cfg.Auth)

	return router, nil
}

// requestID tags each request so log lines of one call can be correlated.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve *form.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if len(ve.Missing) > 0 {
			details["missing"] = ve.Missing
		}
		if len(ve.Invalid) > 0 {
			details["invalid"] = ve.Invalid
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	switch {
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, board.ErrUnknownItem):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, schema.ErrFieldNotFound):
		return newAPIError(http.StatusNotFound, "field_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrCycleRule):
		return newAPIError(http.StatusConflict, "cycle_rule", err.Error(), nil)
	case errors.Is(err, board.ErrUnknownGroup):
		return newAPIError(http.StatusBadRequest, "unknown_group", err.Error(), nil)
	case errors.Is(err, board.ErrEmptyPatch), errors.Is(err, form.ErrUnknownField):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, form.ErrInvalidSchema):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_schema", err.Error(), nil)
	case errors.Is(err, schema.ErrSchemaUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "schema_unavailable", err.Error(), nil)
	}
	var ae *gateway.APIError
	if errors.As(err, &ae) {
		switch ae.StatusCode {
		case http.StatusExpectationFailed, http.StatusUnprocessableEntity:
			return newAPIError(http.StatusUnprocessableEntity, "rule_violation", ae.Message, nil)
		case http.StatusConflict:
			return newAPIError(http.StatusConflict, "conflict", ae.Message, nil)
		case http.StatusForbidden, http.StatusUnauthorized:
			return newAPIError(http.StatusBadGateway, "gateway_auth", ae.Message, map[string]any{"status": ae.StatusCode})
		default:
			return newAPIError(http.StatusBadGateway, "gateway_error", ae.Message, map[string]any{"status": ae.StatusCode})
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, auth AuthConfig) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, basePath, auth.AllowLegacyActorHeader)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(specPath))
	})
}

// decorateSpec documents the error envelope on every operation and the
// accepted credentials on every protected one.
func decorateSpec(oas *huma.OpenAPI, basePath string, legacyHeader bool) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	if legacyHeader {
		oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-Actor-Id",
		}
		security = append(security, map[string][]string{"actorHeader": {}})
	}
	oas.Security = security

	healthPath := path.Join("/", basePath, "health")
	errResponse := &huma.Response{
		Description: "Error",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errResponse
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(specPath string) string {
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Boardline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specPath)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}
