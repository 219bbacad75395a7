// Package server exposes the scheduling engine over HTTP for collaborator
// systems (order intake, weather ingestion, telemetry dashboards).
package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldline/internal/config"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/repo"
	"fieldline/internal/resolver"
	"fieldline/internal/schedule"
	"fieldline/internal/solver"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	// Metrics, when set, is served on /metrics outside the API base path.
	Metrics *prometheus.Registry
	// BaseContext bounds background work (webhook delivery); when nil the
	// dispatcher runs for the life of the process.
	BaseContext context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"infeasible"`
	Message string         `json:"message" example:"task t1 infeasible (deadline)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fieldline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request; 422 is
			// reserved for infeasible plans and cyclic graphs.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerHorizons(group, cfg.Engine)
	registerResources(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerPlan(group, cfg.Engine)
	registerSchedule(group, cfg.Engine)
	registerScheduleExport(router, basePath, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	baseCtx := cfg.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	startWebhookDispatcher(baseCtx, cfg.Engine)

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

// handleError maps the engine error taxonomy onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce *engine.CyclicDependencyError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "cyclic_dependency", err.Error(), map[string]any{"path": ce.Path})
	}
	var rce *engine.ResourceConflictError
	if errors.As(err, &rce) {
		tasks := make([]string, 0, len(rce.Assignments))
		for _, a := range rce.Assignments {
			tasks = append(tasks, a.TaskID)
		}
		return newAPIError(http.StatusConflict, "resource_conflict", err.Error(), map[string]any{
			"resource_id": rce.ResourceID,
			"tasks":       tasks,
		})
	}
	var ie *solver.InfeasibleError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "infeasible", err.Error(), map[string]any{
			"task_id": ie.TaskID,
			"reason":  ie.Reason,
			"kind":    string(ie.Kind),
			"detail":  ie.Detail,
		})
	}
	var ee *resolver.EscalatedError
	if errors.As(err, &ee) {
		return newAPIError(http.StatusConflict, "escalated", err.Error(), map[string]any{"task_ids": ee.TaskIDs})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
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
		return "infeasible"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
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
    <title>Fieldline API Docs</title>
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

func registerHorizons(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-horizon",
		Method:        http.MethodPost,
		Path:          "/horizons",
		Summary:       "Create planning horizon",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateHorizonRequest `json:"body"`
	}) (*struct {
		Body HorizonResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		h, err := e.InitHorizon(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HorizonResponse `json:"body"`
		}{Body: horizonResponse(h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-horizons",
		Method:      http.MethodGet,
		Path:        "/horizons",
		Summary:     "List horizons",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []HorizonResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListHorizons(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HorizonResponse `json:"body"`
		}{Body: mapHorizons(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-horizon",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}",
		Summary:     "Get horizon",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
	}) (*struct {
		Body HorizonResponse `json:"body"`
	}, error) {
		h, err := e.Repo.GetHorizon(ctx, input.HorizonID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HorizonResponse `json:"body"`
		}{Body: horizonResponse(h)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "horizon-status",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/status",
		Summary:     "Horizon status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
	}) (*struct {
		Body HorizonStatusResponse `json:"body"`
	}, error) {
		h, err := e.Repo.GetHorizon(ctx, input.HorizonID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, h.ID)
		if err != nil {
			return nil, handleError(err)
		}
		var version int64
		if meta, err := e.Repo.LatestSnapshot(ctx, h.ID); err == nil {
			version = meta.Version
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}
		return &struct {
			Body HorizonStatusResponse `json:"body"`
		}{Body: HorizonStatusResponse{
			HorizonID:       h.ID,
			Status:          h.Status,
			TaskCounts:      counts,
			ScheduleVersion: version,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-horizon-config",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/config",
		Summary:     "Get horizon config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
	}) (*struct {
		Body HorizonConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetHorizonConfig(ctx, input.HorizonID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HorizonConfigResponse `json:"body"`
		}{Body: HorizonConfigResponse{Config: cfg}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-horizon-config",
		Method:      http.MethodPut,
		Path:        "/horizons/{horizon_id}/config",
		Summary:     "Replace horizon config",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		Body      config.Config
	}) (*struct {
		Body HorizonConfigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, err := e.Repo.GetHorizon(ctx, input.HorizonID); err != nil {
			return nil, handleError(err)
		}
		cfg := input.Body
		cfg.Horizon.ID = input.HorizonID
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertHorizonConfig(ctx, input.HorizonID, &cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HorizonConfigResponse `json:"body"`
		}{Body: HorizonConfigResponse{Config: &cfg}}, nil
	})
}

func registerResources(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-resource",
		Method:        http.MethodPost,
		Path:          "/horizons/{horizon_id}/resources",
		Summary:       "Register resource",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		HorizonID string                  `path:"horizon_id"`
		Body      RegisterResourceRequest `json:"body"`
	}) (*struct {
		Body ResourceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ResourceCreateOptions{
			HorizonID: input.HorizonID,
			Kind:      domain.ResourceKind(input.Body.Kind),
			Name:      input.Body.Name,
			Capacity:  input.Body.Capacity,
			AllHours:  input.Body.AllHours,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Location != nil {
			opts.Location = *input.Body.Location
		}
		if input.Body.DayStart != nil {
			opts.DayStart = *input.Body.DayStart
		}
		if input.Body.DayEnd != nil {
			opts.DayEnd = *input.Body.DayEnd
		}
		res, err := e.RegisterResource(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceResponse `json:"body"`
		}{Body: resourceResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/resources",
		Summary:     "List resources",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		Kind      string `query:"kind" enum:",field,vehicle,harvester,crew"`
	}) (*struct {
		Body []ResourceResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListResources(ctx, input.HorizonID, domain.ResourceKind(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ResourceResponse `json:"body"`
		}{Body: mapResources(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resource",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/resources/{id}",
		Summary:     "Get resource",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body ResourceResponse `json:"body"`
	}, error) {
		res, err := e.Repo.GetResource(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if res.HorizonID != input.HorizonID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "resource not found in horizon", nil)
		}
		return &struct {
			Body ResourceResponse `json:"body"`
		}{Body: resourceResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-outage",
		Method:        http.MethodPost,
		Path:          "/horizons/{horizon_id}/resources/{id}/outages",
		Summary:       "Mark resource unavailable",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		HorizonID string              `path:"horizon_id"`
		ID        string              `path:"id"`
		Body      ReportOutageRequest `json:"body"`
	}) (*struct {
		Body OutageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.OutageOptions{
			ResourceID: input.ID,
			Start:      input.Body.Start,
			End:        input.Body.End,
			Force:      input.Body.Force || input.Body.Repair,
			ActorID:    actorID,
		}
		if input.Body.Reason != nil {
			opts.Reason = *input.Body.Reason
		}
		o, affected, err := e.MarkUnavailable(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		resp := OutageResponse{
			ID:         o.ID,
			ResourceID: o.ResourceID,
			Start:      o.Start,
			End:        o.End,
			Reason:     o.Reason,
			Affected:   mapAssignments(affected),
		}
		if input.Body.Repair && len(affected) > 0 {
			res, err := e.Repair(ctx, engine.RepairOptions{
				HorizonID:  input.HorizonID,
				ResourceID: o.ResourceID,
				Window:     schedule.Interval{Start: o.Start, End: o.End},
				Note:       "outage " + o.ID,
				ActorID:    actorID,
			})
			if err != nil && !errors.Is(err, resolver.ErrEscalated) {
				return nil, handleError(err)
			}
			rr := repairResponse(res)
			resp.Repair = &rr
		}
		return &struct {
			Body OutageResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outages",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/outages",
		Summary:     "List outages",
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
	}) (*struct {
		Body []OutageResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOutages(ctx, input.HorizonID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OutageResponse, 0, len(items))
		for _, o := range items {
			out = append(out, OutageResponse{
				ID:         o.ID,
				ResourceID: o.ResourceID,
				Start:      o.Start,
				End:        o.End,
				Reason:     o.Reason,
			})
		}
		return &struct {
			Body []OutageResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "query-availability",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/availability",
		Summary:     "Free windows by resource kind",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		HorizonID string    `path:"horizon_id"`
		Kind      string    `query:"kind" enum:"field,vehicle,harvester,crew" required:"true"`
		From      time.Time `query:"from" format:"date-time" required:"true"`
		To        time.Time `query:"to" format:"date-time" required:"true"`
	}) (*struct {
		Body []AvailabilityResponse `json:"body"`
	}, error) {
		windows, err := e.QueryAvailable(ctx, input.HorizonID, domain.ResourceKind(input.Kind), schedule.Interval{Start: input.From, End: input.To})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AvailabilityResponse `json:"body"`
		}{Body: mapAvailability(windows)}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/horizons/{horizon_id}/tasks",
		Summary:       "Submit task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		HorizonID string            `path:"horizon_id"`
		Body      SubmitTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskSubmitOptions{
			HorizonID:     input.HorizonID,
			Kind:          domain.TaskKind(input.Body.Kind),
			Name:          input.Body.Name,
			DurationMins:  input.Body.DurationMins,
			EarliestStart: input.Body.EarliestStart,
			Deadline:      input.Body.Deadline,
			DependsOn:     input.Body.DependsOn,
			Priority:      input.Body.Priority,
			ActorID:       actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.OrderRef != nil {
			opts.OrderRef = *input.Body.OrderRef
		}
		for _, req := range input.Body.Requires {
			opts.Requires = append(opts.Requires, domain.Requirement{
				Kind:  domain.ResourceKind(req.Kind),
				Count: req.Count,
			})
		}
		t, err := e.SubmitTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		Status    string `query:"status" enum:",pending,placed,canceled,escalated"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, input.HorizonID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if t.HorizonID != input.HorizonID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in horizon", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/horizons/{horizon_id}/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		HorizonID string            `path:"horizon_id"`
		ID        string            `path:"id"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if t, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		} else if t.HorizonID != input.HorizonID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in horizon", nil)
		}
		opts := engine.TaskUpdateOptions{
			ID:            input.ID,
			Priority:      input.Body.Priority,
			DurationMins:  input.Body.DurationMins,
			EarliestStart: input.Body.EarliestStart,
			Deadline:      input.Body.Deadline,
			ClearDeadline: input.Body.ClearDeadline,
			AddDeps:       input.Body.AddDependsOn,
			RemoveDeps:    input.Body.RemoveDeps,
			ActorID:       actorID,
		}
		if input.Body.Name != nil {
			opts.Name = *input.Body.Name
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/horizons/{horizon_id}/tasks/{id}/cancel",
		Summary:     "Cancel task",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if t, err := e.Repo.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		} else if t.HorizonID != input.HorizonID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in horizon", nil)
		}
		t, err := e.CancelTask(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerPlan(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "solve",
		Method:      http.MethodPost,
		Path:        "/horizons/{horizon_id}/plan/solve",
		Summary:     "Solve pending tasks into a new schedule version",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		HorizonID string       `path:"horizon_id"`
		Body      SolveRequest `json:"body"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SolveOptions{
			HorizonID:  input.HorizonID,
			BestEffort: input.Body.BestEffort,
			ActorID:    actorID,
		}
		if input.Body.Note != nil {
			opts.Note = *input.Body.Note
		}
		res, err := e.Solve(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "repair",
		Method:      http.MethodPost,
		Path:        "/horizons/{horizon_id}/plan/repair",
		Summary:     "Repair the committed schedule after a disruption",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		HorizonID string        `path:"horizon_id"`
		Body      RepairRequest `json:"body"`
	}) (*struct {
		Body RepairResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.RepairOptions{
			HorizonID: input.HorizonID,
			Tasks:     input.Body.Tasks,
			ActorID:   actorID,
		}
		if input.Body.ResourceID != nil {
			if input.Body.From == nil || input.Body.To == nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "from and to are required with resource_id", nil)
			}
			opts.ResourceID = *input.Body.ResourceID
			opts.Window = schedule.Interval{Start: *input.Body.From, End: *input.Body.To}
		}
		if input.Body.Note != nil {
			opts.Note = *input.Body.Note
		}
		res, err := e.Repair(ctx, opts)
		if err != nil && !errors.Is(err, resolver.ErrEscalated) {
			return nil, handleError(err)
		}
		// An escalation still committed a snapshot; report the new version
		// and the stranded tasks together in the body.
		return &struct {
			Body RepairResponse `json:"body"`
		}{Body: repairResponse(res)}, nil
	})
}

func registerSchedule(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/schedule",
		Summary:     "Get a committed schedule version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		Version   int64  `query:"version"`
		TaskID    string `query:"task_id"`
		Resource  string `query:"resource_id"`
	}) (*struct {
		Body ScheduleResponse `json:"body"`
	}, error) {
		meta, rows, err := e.Schedule(ctx, input.HorizonID, input.Version)
		if err != nil {
			return nil, handleError(err)
		}
		if input.TaskID != "" || input.Resource != "" {
			filtered := rows[:0]
			for _, a := range rows {
				if input.TaskID != "" && a.TaskID != input.TaskID {
					continue
				}
				if input.Resource != "" && a.ResourceID != input.Resource {
					continue
				}
				filtered = append(filtered, a)
			}
			rows = filtered
		}
		return &struct {
			Body ScheduleResponse `json:"body"`
		}{Body: ScheduleResponse{
			Version:     meta.Version,
			CreatedAt:   meta.CreatedAt,
			Note:        meta.Note,
			Assignments: mapAssignments(rows),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedule-versions",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/schedule/versions",
		Summary:     "List committed schedule versions",
	}, func(ctx context.Context, input *struct {
		HorizonID string `path:"horizon_id"`
		Limit     int    `query:"limit" default:"20"`
	}) (*struct {
		Body []SnapshotMetaResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		items, err := e.Repo.ListSnapshots(ctx, input.HorizonID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SnapshotMetaResponse `json:"body"`
		}{Body: mapSnapshotMetas(items)}, nil
	})
}

// registerScheduleExport serves CSV outside huma, which models JSON bodies.
func registerScheduleExport(r chi.Router, basePath string, e *engine.Engine) {
	route := path.Join(basePath, "horizons/{horizon_id}/schedule/export")
	r.Get(route, func(w http.ResponseWriter, req *http.Request) {
		horizonID := chi.URLParam(req, "horizon_id")
		meta, rows, err := e.Schedule(req.Context(), horizonID, 0)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=schedule-v%d.csv", meta.Version))
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"task_id", "resource_id", "start", "end", "state"})
		for _, a := range rows {
			_ = cw.Write([]string{
				a.TaskID,
				a.ResourceID,
				a.Start.UTC().Format(time.RFC3339),
				a.End.UTC().Format(time.RFC3339),
				a.State,
			})
		}
		cw.Flush()
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/horizons/{horizon_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		HorizonID  string `path:"horizon_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",horizon,resource,task,plan"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.HorizonID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
