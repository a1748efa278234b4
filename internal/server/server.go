package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"svsettings/internal/domain"
	"svsettings/internal/engine"
	"svsettings/internal/log"
	"svsettings/internal/metrics"
	"svsettings/internal/registry"
	"svsettings/internal/repo"
	"svsettings/internal/status"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Status   *status.Aggregator
	BasePath string
	Auth     AuthConfig
	Webhooks bool
	// Context bounds background work such as webhook delivery so it
	// stops with the server; nil means context.Background().
	Context context.Context
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"configuration was modified concurrently"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"key\":\"max_workers\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}
type correlationKey struct{}

// apiError models the error envelope used on every failure path.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the settings API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use our envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request problems read as 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	metrics.Register()

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
	router.Use(correlationMiddleware)
	router.Use(observeMiddleware(basePath))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	hcfg := huma.DefaultConfig("Supervisor Settings API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	agg := cfg.Status
	if agg == nil {
		agg = status.New(cfg.Engine.Repo)
	}

	registerDocs(router, basePath)
	registerHealth(group)
	registerRegistry(group, cfg.Engine)
	registerInstances(group, cfg.Engine, agg)
	registerConfig(group, cfg.Engine)
	registerStatus(group, agg)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	registerOpenAPI(router, api, basePath)

	if cfg.Webhooks {
		dispatchCtx := cfg.Context
		if dispatchCtx == nil {
			dispatchCtx = context.Background()
		}
		startWebhookDispatcher(dispatchCtx, cfg.Engine)
	}

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

// handleError maps domain and storage failures onto the error envelope.
// Internal errors carry the correlation id instead of the raw message.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *registry.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", verr.Error(),
			map[string]any{"key": verr.Key, "issues": verr.Issues})
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "version_conflict", "configuration was modified concurrently", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var serr *repo.StorageError
	if errors.As(err, &serr) {
		cid := correlationID(ctx)
		logger := log.WithComponent("server")
		logger.Error().Err(err).Str("correlation_id", cid).Msg("storage failure")
		code, status := "internal_error", http.StatusInternalServerError
		if serr.Retryable {
			code, status = "storage_unavailable", http.StatusServiceUnavailable
		}
		return newAPIError(status, code, "storage failure", map[string]any{"correlation_id": cid})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already exists"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		cid := correlationID(ctx)
		logger := log.WithComponent("server")
		logger.Error().Err(err).Str("correlation_id", cid).Msg("unhandled error")
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"correlation_id": cid})
	}
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if cid == "" {
			cid = uuid.NewString()
		}
		w.Header().Set("X-Correlation-Id", cid)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationKey{}, cid)))
	})
}

func correlationID(ctx context.Context) string {
	if cid, ok := ctx.Value(correlationKey{}).(string); ok {
		return cid
	}
	return ""
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func observeMiddleware(basePath string) func(http.Handler) http.Handler {
	logger := log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)
			metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rec.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("elapsed", elapsed).
				Str("correlation_id", correlationID(r.Context())).
				Msg("request")
		})
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
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
    <title>Supervisor Settings API Docs</title>
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

func registerRegistry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-registry",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "List known settings and their rules",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]RuleResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		out := map[string]RuleResponse{}
		for _, key := range e.Registry.Keys() {
			rule, _ := e.Registry.Rule(key)
			out[key] = ruleResponse(rule)
		}
		return &struct {
			Body map[string]RuleResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerInstances(api huma.API, e engine.Engine, agg *status.Aggregator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Register an instance",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateInstanceRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		if err := requireScope(ctx, domain.ScopeInstanceAdmin); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		statusURL := ""
		if input.Body.StatusURL != nil {
			statusURL = *input.Body.StatusURL
		}
		in, err := e.CreateInstance(ctx, input.Body.ID, desc, statusURL, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List instances",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []InstanceResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		items, err := e.ListInstances(ctx)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]InstanceResponse, 0, len(items))
		for _, in := range items {
			out = append(out, instanceResponse(in))
		}
		return &struct {
			Body []InstanceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		in, err := e.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-instance",
		Method:      http.MethodPut,
		Path:        "/instances/{instance_id}",
		Summary:     "Update instance description or status source",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		Body       UpdateInstanceRequest `json:"body"`
	}) (*struct {
		Body InstanceResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireScope(ctx, domain.ScopeInstanceAdmin); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.UpdateInstance(ctx, input.InstanceID, input.Body.Description, input.Body.StatusURL, actorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		// a changed status source makes any cached snapshot stale
		if input.Body.StatusURL != nil {
			agg.Invalidate(in.ID)
		}
		return &struct {
			Body InstanceResponse `json:"body"`
		}{Body: instanceResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-instance",
		Method:      http.MethodDelete,
		Path:        "/instances/{instance_id}",
		Summary:     "Delete instance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeInstanceAdmin); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteInstance(ctx, input.InstanceID, actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	type entryPath struct {
		InstanceID string `path:"instance_id"`
		Key        string `path:"key"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-config",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/config",
		Summary:     "List settings for an instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body []ConfigEntryResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		items, err := e.ListSettings(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]ConfigEntryResponse, 0, len(items))
		for _, entry := range items {
			out = append(out, entryResponse(entry))
		}
		return &struct {
			Body []ConfigEntryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config-entry",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/config/{key}",
		Summary:     "Get one setting",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body ConfigEntryResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		entry, err := e.GetSetting(ctx, input.InstanceID, input.Key)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ConfigEntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-config-entry",
		Method:      http.MethodPut,
		Path:        "/instances/{instance_id}/config/{key}",
		Summary:     "Write one setting",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		InstanceID string           `path:"instance_id"`
		Key        string           `path:"key"`
		Body       PutConfigRequest `json:"body"`
	}) (*struct {
		Body ConfigEntryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := requireScope(ctx, domain.ScopeConfigWrite); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		value, ok := decodeJSONValue(ctx)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "value is required", nil)
		}
		entry, err := e.SetSetting(ctx, engine.SetOptions{
			InstanceID:      input.InstanceID,
			Key:             input.Key,
			Value:           value,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ConfigEntryResponse `json:"body"`
		}{Body: entryResponse(entry)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-config-entry",
		Method:      http.MethodDelete,
		Path:        "/instances/{instance_id}/config/{key}",
		Summary:     "Remove one setting",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *entryPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigWrite); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteSetting(ctx, input.InstanceID, input.Key, actorID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerStatus(api huma.API, agg *status.Aggregator) {
	huma.Register(api, huma.Operation{
		OperationID: "instance-status",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/status",
		Summary:     "Combined configuration and health view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		view, err := agg.Status(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(view)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/events",
		Summary:     "Audit trail for an instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		After      int64  `query:"after" doc:"Return events with id greater than this"`
		Limit      int    `query:"limit" doc:"Maximum events to return, default 100"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeConfigRead); err != nil {
			return nil, err
		}
		items, err := e.Events(ctx, input.InstanceID, input.After, input.Limit)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: eventsResponse(items, input.After)}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyCreatedResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeAdmin); err != nil {
			return nil, err
		}
		actorID := input.Body.ActorID
		if actorID == "" {
			var authErr huma.StatusError
			actorID, authErr = actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
		}
		key, secret, err := e.CreateAPIKey(ctx, actorID, input.Body.Name, input.Body.Scopes)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body APIKeyCreatedResponse `json:"body"`
		}{Body: APIKeyCreatedResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Scopes:  key.Scopes,
			Secret:  secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeAdmin); err != nil {
			return nil, err
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				ActorID:   k.ActorID,
				Name:      k.Name,
				Scopes:    k.Scopes,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Revoke an API key",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := requireScope(ctx, domain.ScopeAdmin); err != nil {
			return nil, err
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "deleted"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"actor_id": p.ActorID,
			"scopes":   p.Scopes,
			"source":   p.Source,
		}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

// decodeJSONValue extracts the raw "value" field from the request body
// so the original JSON type survives Huma's schema handling.
func decodeJSONValue(ctx context.Context) (any, bool) {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return nil, false
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return nil, false
	}
	raw, ok := outer["value"]
	if !ok {
		return nil, false
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, false
	}
	return value, true
}
