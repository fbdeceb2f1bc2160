package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"packdesk/internal/engine"
	"packdesk/internal/exclusivity"
	"packdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"machine_already_assigned"`
	Message string         `json:"message" example:"machine already assigned"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"machine\":\"brave-otter\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Packdesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope format.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	router.Handle("/metrics", promhttp.Handler())
	hcfg := huma.DefaultConfig("Packdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPacker(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
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
	switch {
	case errors.Is(err, engine.ErrInvalidPrompt):
		return newAPIError(http.StatusBadRequest, "invalid_prompt", err.Error(), nil)
	case errors.Is(err, engine.ErrMachineNotFound):
		return newAPIError(http.StatusNotFound, "machine_not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNoMachineAvailable):
		return newAPIError(http.StatusNotFound, "no_machine_available", err.Error(), nil)
	case errors.Is(err, engine.ErrMachineMismatch):
		return newAPIError(http.StatusConflict, "machine_mismatch", err.Error(), nil)
	case errors.Is(err, exclusivity.ErrAlreadyAssigned):
		return newAPIError(http.StatusConflict, "machine_already_assigned", err.Error(), nil)
	case errors.Is(err, exclusivity.ErrHolderBusy):
		return newAPIError(http.StatusConflict, "holder_busy", err.Error(), nil)
	case errors.Is(err, exclusivity.ErrNotAssigned):
		return newAPIError(http.StatusConflict, "not_assigned", err.Error(), nil)
	case errors.Is(err, exclusivity.ErrHolderMismatch):
		return newAPIError(http.StatusConflict, "holder_mismatch", err.Error(), nil)
	case errors.Is(err, exclusivity.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Packdesk API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerPacker(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "assign-machine",
		Method:      http.MethodPost,
		Path:        "/packer/assign",
		Summary:     "Assign an available machine",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body AssignRequest `json:"body"`
	}) (*struct {
		Body AssignResponse `json:"body"`
	}, error) {
		principal, authErr := holderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.AssignMachine(ctx, principal.HolderID, input.Body.Exclude)
		assignTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignResponse `json:"body"`
		}{Body: AssignResponse{Machine: machineResponse(m)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-missing",
		Method:      http.MethodPost,
		Path:        "/packer/missing",
		Summary:     "Report a machine missing and get a replacement",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ReportMissingRequest `json:"body"`
	}) (*struct {
		Body ReportMissingResponse `json:"body"`
	}, error) {
		principal, authErr := holderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.MachineName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "machine_name is required", nil)
		}
		missingTotal.Inc()
		next, exclude, err := e.ReportMissing(ctx, principal.HolderID, input.Body.MachineName, input.Body.Exclude)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportMissingResponse `json:"body"`
		}{Body: ReportMissingResponse{Machine: machineResponse(next), Exclude: exclude}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "check-out",
		Method:        http.MethodPost,
		Path:          "/packer/check-out",
		Summary:       "Check out a machine",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CheckOutRequest `json:"body"`
	}) (*struct {
		Body LogEntryResponse `json:"body"`
	}, error) {
		principal, authErr := holderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.MachineName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "machine_name is required", nil)
		}
		entry, err := e.CheckOut(ctx, engine.CheckOutOptions{
			HolderID:    principal.HolderID,
			HolderName:  principal.HolderName,
			MachineName: input.Body.MachineName,
			Prompt: domainPrompt(
				input.Body.Condition,
				input.Body.Battery,
				input.Body.Task,
				input.Body.Note,
			),
		})
		checkOutTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LogEntryResponse `json:"body"`
		}{Body: logEntryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-in",
		Method:      http.MethodPost,
		Path:        "/packer/check-in",
		Summary:     "Check in a machine",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CheckInRequest `json:"body"`
	}) (*struct {
		Body CheckInResponse `json:"body"`
	}, error) {
		principal, authErr := holderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.MachineName == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "machine_name is required", nil)
		}
		res, err := e.CheckIn(ctx, engine.CheckInOptions{
			HolderID:    principal.HolderID,
			MachineName: input.Body.MachineName,
			Condition:   input.Body.Condition,
			Battery:     input.Body.Battery,
			Note:        input.Body.Note,
		})
		checkInTotal.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckInResponse `json:"body"`
		}{Body: CheckInResponse{Entry: logEntryResponse(res.Entry), Partial: res.Partial}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/packer/assignment",
		Summary:     "Current assignment for the caller",
		Errors: []int{
			http.StatusNotFound,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		principal, authErr := holderFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Index.HolderAssignment(ctx, principal.HolderID)
		if errors.Is(err, exclusivity.ErrNotAssigned) {
			// A lookup for an assignment that does not exist is a missing
			// resource, unlike a check-in against one.
			return nil, newAPIError(http.StatusNotFound, "not_assigned", err.Error(), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "activity-report",
		Method:      http.MethodGet,
		Path:        "/reports/activity",
		Summary:     "Active assignments and idle machines",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActivityReportResponse `json:"body"`
	}, error) {
		active, err := e.ActiveAssignments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		names, err := e.Repo.ListMachineNames(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		held := make(map[string]struct{}, len(active))
		for _, a := range active {
			held[a.MachineName] = struct{}{}
		}
		idle := []string{}
		for _, name := range names {
			if _, ok := held[name]; !ok {
				idle = append(idle, name)
			}
		}
		return &struct {
			Body ActivityReportResponse `json:"body"`
		}{Body: ActivityReportResponse{Active: mapAssignments(active), Idle: idle}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "missing-report",
		Method:      http.MethodGet,
		Path:        "/reports/missing",
		Summary:     "Recent missing machine reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []MissingReportResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMissingReports(ctx, input.UserID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MissingReportResponse `json:"body"`
		}{Body: mapMissingReports(items)}, nil
	})
}
