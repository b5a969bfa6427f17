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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rulegate/internal/applier"
	"rulegate/internal/domain"
	"rulegate/internal/engine"
	"rulegate/internal/engine/auth"
	"rulegate/internal/repo"
)

// SweepRunner triggers a named sweep on demand.
type SweepRunner interface {
	RunNow(ctx context.Context, name string) (domain.SweepReport, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Sweeps   SweepRunner
	BasePath string
	Auth     AuthConfig
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Log     *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"invalid state: request status APPLIED -> REJECTED"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"permission\":\"request.review\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyIn[T any] struct {
	Body T `json:"body"`
}

type bodyOut[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *bodyOut[T] {
	return &bodyOut[T]{Body: v}
}

type idPath struct {
	ID string `path:"id"`
}

// New returns an HTTP handler exposing the rulegate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}
	hcfg := huma.DefaultConfig("rulegate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerRequests(group, cfg.Engine)
	registerResources(group, cfg.Engine)
	registerSchedules(group, cfg.Engine)
	registerSweeps(group, cfg.Sweeps)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
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
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrForbidden):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "validation_failed", msg, nil)
	case errors.Is(err, applier.ErrUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "provider_unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{
		item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
	}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>rulegate API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[WhoAmIResponse], error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return reply(WhoAmIResponse{
			UserID:      p.UserID,
			Role:        string(p.Role),
			Permissions: nonNil(auth.Permissions(p.Role)),
			Source:      p.Source,
		}), nil
	})
}

var reviewErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a rule change request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *bodyIn[CreateRuleRequestBody]) (*bodyOut[domain.RuleRequest], error) {
		p, err := require(ctx, auth.RequestCreate)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := e.CreateRequest(ctx, input.Body.input(), p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List rule requests",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status" doc:"Comma separated statuses"`
		Priority    string `query:"priority" doc:"Comma separated priorities"`
		RequesterID string `query:"requester_id"`
		ResourceID  string `query:"resource_id"`
		Limit       int    `query:"limit" default:"50"`
		Offset      int    `query:"offset" minimum:"0"`
	}) (*bodyOut[RequestList], error) {
		if _, err := require(ctx, auth.RequestRead); err != nil {
			return nil, handleError(err)
		}
		f := repo.RequestFilters{
			RequesterID: input.RequesterID,
			ResourceID:  input.ResourceID,
			Offset:      input.Offset,
		}
		for _, s := range splitList(input.Status) {
			status := domain.RequestStatus(strings.ToUpper(s))
			if !status.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid status", map[string]any{"status": s})
			}
			f.Statuses = append(f.Statuses, status)
		}
		for _, s := range splitList(input.Priority) {
			priority := domain.Priority(strings.ToUpper(s))
			if !priority.Valid() {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid priority", map[string]any{"priority": s})
			}
			f.Priorities = append(f.Priorities, priority)
		}
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1
		items, err := e.ListRequests(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := RequestList{}
		if len(items) > limit {
			next := input.Offset + limit
			resp.NextOffset = &next
			items = items[:limit]
		}
		resp.Items = nonNil(items)
		return reply(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-high-priority-requests",
		Method:      http.MethodGet,
		Path:        "/requests/high-priority",
		Summary:     "Pending HIGH and URGENT requests",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[RequestList], error) {
		if _, err := require(ctx, auth.RequestRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListHighPriorityPending(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(RequestList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-statistics",
		Method:      http.MethodGet,
		Path:        "/requests/statistics",
		Summary:     "Request counts by status",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[domain.RequestStatistics], error) {
		if _, err := require(ctx, auth.RequestRead); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Statistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get rule request",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOut[domain.RuleRequest], error) {
		if _, err := require(ctx, auth.RequestRead); err != nil {
			return nil, handleError(err)
		}
		req, err := e.GetRequest(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	review := func(id, summary, perm string, fn func(ctx context.Context, id, actorID, comment string) (domain.RuleRequest, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id + "-request",
			Method:      http.MethodPost,
			Path:        "/requests/{id}/" + id,
			Summary:     summary,
			Errors:      reviewErrors,
		}, func(ctx context.Context, input *struct {
			ID   string     `path:"id"`
			Body ReviewBody `json:"body,omitempty" required:"false"`
		}) (*bodyOut[domain.RuleRequest], error) {
			p, err := require(ctx, perm)
			if err != nil {
				return nil, handleError(err)
			}
			req, err := fn(ctx, input.ID, p.UserID, input.Body.Comment)
			if err != nil {
				return nil, handleError(err)
			}
			return reply(req), nil
		})
	}
	review("approve", "Approve and apply a pending request", auth.RequestReview, e.ApproveRequest)
	review("reject", "Reject a pending request", auth.RequestReview, e.RejectRequest)
	review("cancel", "Withdraw your own pending request", auth.RequestCancel,
		func(ctx context.Context, id, actorID, _ string) (domain.RuleRequest, error) {
			return e.CancelRequest(ctx, id, actorID)
		})
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-resource",
		Method:        http.MethodPost,
		Path:          "/resources",
		Summary:       "Register a security group and its rules",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *bodyIn[RegisterResourceBody]) (*bodyOut[domain.Resource], error) {
		p, err := require(ctx, auth.ResourceManage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.RegisterResource(ctx, input.Body.input(), p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-resources",
		Method:      http.MethodGet,
		Path:        "/resources",
		Summary:     "List resources",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[ResourceList], error) {
		if _, err := require(ctx, auth.ResourceRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListResources(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ResourceList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resource",
		Method:      http.MethodGet,
		Path:        "/resources/{id}",
		Summary:     "Get resource",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOut[domain.Resource], error) {
		if _, err := require(ctx, auth.ResourceRead); err != nil {
			return nil, handleError(err)
		}
		res, err := e.GetResource(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-resource",
		Method:        http.MethodDelete,
		Path:          "/resources/{id}",
		Summary:       "Delete the security group at the provider",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		p, err := require(ctx, auth.ResourceManage)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteResource(ctx, input.ID, p.UserID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-resource-expiry",
		Method:      http.MethodPut,
		Path:        "/resources/{id}/expiry",
		Summary:     "Set or clear the group expiry",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string     `path:"id"`
		Body ExpiryBody `json:"body"`
	}) (*bodyOut[domain.Resource], error) {
		p, err := require(ctx, auth.ScheduleManage)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.SetResourceExpiry(ctx, input.ID, input.Body.ExpiresAt, input.Body.AutoDelete, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-expiry",
		Method:      http.MethodPut,
		Path:        "/resources/{id}/rules/{rule_id}/expiry",
		Summary:     "Set or clear a rule expiry",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string     `path:"id"`
		RuleID string     `path:"rule_id"`
		Body   ExpiryBody `json:"body"`
	}) (*bodyOut[domain.Rule], error) {
		p, err := require(ctx, auth.ScheduleManage)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := e.SetRuleExpiry(ctx, input.ID, input.RuleID, input.Body.ExpiresAt, input.Body.AutoDelete, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(rule), nil
	})
}

func registerSchedules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-schedule",
		Method:        http.MethodPost,
		Path:          "/schedules",
		Summary:       "Schedule an expiry",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *bodyIn[CreateScheduleBody]) (*bodyOut[domain.ExpirySchedule], error) {
		p, err := require(ctx, auth.ScheduleManage)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.ScheduleExpiry(ctx, engine.ScheduleInput{
			ResourceID: input.Body.ResourceID,
			RuleID:     input.Body.RuleID,
			ExpiresAt:  input.Body.ExpiresAt,
			Action:     domain.ExpiryAction(input.Body.Action),
			CreatedBy:  p.UserID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-schedules",
		Method:      http.MethodGet,
		Path:        "/schedules",
		Summary:     "Active schedules, or every schedule of one resource",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ResourceID string `query:"resource_id"`
	}) (*bodyOut[ScheduleList], error) {
		if _, err := require(ctx, auth.ScheduleRead); err != nil {
			return nil, handleError(err)
		}
		var (
			items []domain.ExpirySchedule
			err   error
		)
		if input.ResourceID != "" {
			items, err = e.ListSchedulesForResource(ctx, input.ResourceID)
		} else {
			items, err = e.ListActiveSchedules(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ScheduleList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-schedule",
		Method:      http.MethodGet,
		Path:        "/schedules/{id}",
		Summary:     "Get schedule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOut[domain.ExpirySchedule], error) {
		if _, err := require(ctx, auth.ScheduleRead); err != nil {
			return nil, handleError(err)
		}
		s, err := e.GetSchedule(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-resource-expiry",
		Method:      http.MethodDelete,
		Path:        "/resources/{id}/schedules",
		Summary:     "Cancel active schedules of a resource",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *idPath) (*bodyOut[CancelledResponse], error) {
		p, err := require(ctx, auth.ScheduleManage)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.CancelExpiry(ctx, input.ID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CancelledResponse{Cancelled: n}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-rule-expiry",
		Method:      http.MethodDelete,
		Path:        "/resources/{id}/rules/{rule_id}/schedules",
		Summary:     "Cancel active schedules of a rule",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		RuleID string `path:"rule_id"`
	}) (*bodyOut[CancelledResponse], error) {
		p, err := require(ctx, auth.ScheduleManage)
		if err != nil {
			return nil, handleError(err)
		}
		n, err := e.CancelRuleExpiry(ctx, input.ID, input.RuleID, p.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(CancelledResponse{Cancelled: n}), nil
	})
}

func registerSweeps(api huma.API, sweeps SweepRunner) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweeps/{name}",
		Summary:     "Run a sweep now",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name" enum:"warning,same_day,execution"`
	}) (*bodyOut[domain.SweepReport], error) {
		if _, err := require(ctx, auth.SweepRun); err != nil {
			return nil, handleError(err)
		}
		if sweeps == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "", "scheduler not configured", nil)
		}
		report, err := sweeps.RunNow(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(report), nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *bodyIn[CreateUserBody]) (*bodyOut[domain.User], error) {
		if _, err := require(ctx, auth.UserManage); err != nil {
			return nil, handleError(err)
		}
		u, err := e.CreateUser(ctx, domain.User{
			ID:       input.Body.ID,
			FullName: input.Body.FullName,
			Email:    input.Body.Email,
			Role:     domain.Role(input.Body.Role),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*bodyOut[UserList], error) {
		if _, err := require(ctx, auth.UserManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(UserList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-user",
		Method:      http.MethodGet,
		Path:        "/users/{id}",
		Summary:     "Get user",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOut[domain.User], error) {
		p, err := require(ctx, auth.RequestRead)
		if err != nil {
			return nil, handleError(err)
		}
		if p.UserID != input.ID {
			if err := auth.Require(p.Role, auth.UserManage); err != nil {
				return nil, handleError(err)
			}
		}
		u, err := e.GetUser(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(u), nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *bodyIn[CreateAPIKeyBody]) (*bodyOut[APIKeyCreated], error) {
		if _, err := require(ctx, auth.UserManage); err != nil {
			return nil, handleError(err)
		}
		plain, key, err := e.CreateAPIKey(ctx, input.Body.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyCreated{Key: plain, APIKey: key}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*bodyOut[APIKeyList], error) {
		if _, err := require(ctx, auth.UserManage); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAPIKeys(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(APIKeyList{Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if _, err := require(ctx, auth.UserManage); err != nil {
			return nil, handleError(err)
		}
		if err := e.RevokeAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind" enum:"request,resource,schedule"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*bodyOut[EventList], error) {
		if _, err := require(ctx, auth.EventRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListEvents(ctx, input.EntityKind, input.EntityID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return reply(EventList{Items: nonNil(items)}), nil
	})
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
