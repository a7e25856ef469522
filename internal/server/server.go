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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"holdline/internal/config"
	"holdline/internal/domain"
	"holdline/internal/engine"
	"holdline/internal/engine/auth"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Registry is served on /metrics when set.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"resource_already_committed"`
	Message string         `json:"message" example:"resource_already_committed: resource R"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"resource_id\":\"R\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Holdline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Registry != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{Registry: cfg.Registry}))
	}
	hcfg := huma.DefaultConfig("Holdline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCatalog(group, cfg.Engine)
	registerResources(group, cfg.Engine)
	registerInterest(group, cfg.Engine)
	registerCommitment(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	if errors.Is(err, auth.ErrActorRequired) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	var de *domain.Error
	if errors.As(err, &de) {
		details := map[string]any{}
		if de.ResourceID != "" {
			details["resource_id"] = de.ResourceID
		}
		if de.ActorID != "" {
			details["actor_id"] = de.ActorID
		}
		return newAPIError(statusForKind(de.Kind), string(de.Kind), err.Error(), details)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindResourceAlreadyCommitted,
		domain.KindAlreadySecured,
		domain.KindNotCommitted,
		domain.KindResourceExists,
		domain.KindConcurrentUpdate:
		return http.StatusConflict
	case domain.KindResourceNotEligible:
		return http.StatusUnprocessableEntity
	case domain.KindResourceNotFound, domain.KindInterestNotFound:
		return http.StatusNotFound
	case domain.KindActorMismatch:
		return http.StatusForbidden
	case domain.KindInvalidAmount, domain.KindInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
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

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if publicPath(basePath, route) {
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
    <title>Holdline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;. Catalog routes are public.
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

type resourcePath struct {
	ResourceID string `path:"resource_id"`
}

const stalenessNote = "Visibility follows the ledger. A resource whose commitment has nominally " +
	"expired stays hidden until the next sweep releases it, at most one sweep interval later."

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog/resources",
		Summary:     "List visible resources",
		Description: stalenessNote,
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Development string `query:"development"`
		MaxPrice    string `query:"max_price"`
		Limit       int    `query:"limit" default:"50"`
		After       string `query:"after"`
	}) (*struct {
		Body CatalogListResponse `json:"body"`
	}, error) {
		criteria := domain.CatalogCriteria{
			Development: strings.TrimSpace(input.Development),
			Limit:       normalizeLimit(input.Limit),
			AfterID:     input.After,
		}
		if input.MaxPrice != "" {
			ceiling, err := decimal.NewFromString(input.MaxPrice)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "max_price must be a decimal", nil)
			}
			criteria.MaxPrice = &ceiling
		}
		items, err := e.ListVisibleResources(ctx, criteria)
		if err != nil {
			return nil, handleError(err)
		}
		out := CatalogListResponse{Items: make([]CatalogEntryResponse, 0, len(items))}
		for _, r := range items {
			out.Items = append(out.Items, catalogEntry(r))
		}
		if len(items) == criteria.Limit {
			out.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body CatalogListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "catalog-visibility",
		Method:      http.MethodGet,
		Path:        "/catalog/resources/{resource_id}/visible",
		Summary:     "Whether a resource is visible in the catalog",
		Description: stalenessNote,
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *resourcePath) (*struct {
		Body VisibilityResponse `json:"body"`
	}, error) {
		visible, err := e.IsVisible(ctx, input.ResourceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VisibilityResponse `json:"body"`
		}{Body: VisibilityResponse{ResourceID: input.ResourceID, Visible: visible}}, nil
	})
}

func registerResources(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-resource",
		Method:        http.MethodPost,
		Path:          "/resources",
		Summary:       "Create resource",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateResourceRequest `json:"body"`
	}) (*struct {
		Body ResourceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateResourceOptions{
			Title:       input.Body.Title,
			Development: input.Body.Development,
			ActorID:     actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ListPrice != "" {
			price, err := decimal.NewFromString(input.Body.ListPrice)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "list_price must be a decimal", nil)
			}
			opts.ListPrice = price
		}
		r, err := e.CreateResource(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceResponse `json:"body"`
		}{Body: resourceResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-resource",
		Method:      http.MethodGet,
		Path:        "/resources/{resource_id}",
		Summary:     "Resource with its interests",
		Description: "Callers without resource.manage only see their own interest.",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *resourcePath) (*struct {
		Body ResourceDetailResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Detail(ctx, input.ResourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceDetailResponse `json:"body"`
		}{Body: detailResponse(d)}, nil
	})
}

func registerInterest(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "express-interest",
		Method:      http.MethodPost,
		Path:        "/resources/{resource_id}/interest",
		Summary:     "Express interest",
		Description: "Idempotent: an open interest is returned unchanged.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *resourcePath) (*struct {
		Body InterestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.ExpressInterest(ctx, input.ResourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterestResponse `json:"body"`
		}{Body: interestResponse(in)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-interest",
		Method:      http.MethodDelete,
		Path:        "/resources/{resource_id}/interest",
		Summary:     "Withdraw interest",
		Description: "Withdrawing a committed interest cancels the commitment.",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *resourcePath) (*struct {
		Body InterestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in, err := e.WithdrawInterest(ctx, input.ResourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InterestResponse `json:"body"`
		}{Body: interestResponse(in)}, nil
	})
}

func registerCommitment(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "commit",
		Method:      http.MethodPost,
		Path:        "/resources/{resource_id}/commitment",
		Summary:     "Commit to a resource",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *resourcePath) (*struct {
		Body ResourceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.Commit(ctx, input.ResourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceResponse `json:"body"`
		}{Body: resourceResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-commitment",
		Method:      http.MethodDelete,
		Path:        "/resources/{resource_id}/commitment",
		Summary:     "Cancel own unpaid commitment",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *resourcePath) (*struct {
		Body ResourceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.CancelCommitment(ctx, input.ResourceID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceResponse `json:"body"`
		}{Body: resourceResponse(r)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-deposit",
		Method:      http.MethodPost,
		Path:        "/resources/{resource_id}/deposit",
		Summary:     "Record a confirmed deposit",
		Description: "Accepted while the caller still holds the commitment, including after its nominal " +
			"expiry if the sweep has not yet released it.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ResourceID string         `path:"resource_id"`
		Body       DepositRequest `json:"body"`
	}) (*struct {
		Body ResourceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := decimal.NewFromString(strings.TrimSpace(input.Body.Amount))
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, string(domain.KindInvalidAmount), "amount must be a decimal", nil)
		}
		r, err := e.PayDeposit(ctx, input.ResourceID, actorID, amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResourceResponse `json:"body"`
		}{Body: resourceResponse(r)}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "force-release",
		Method:      http.MethodPost,
		Path:        "/resources/{resource_id}/release",
		Summary:     "Administratively release a commitment",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ResourceID string          `path:"resource_id"`
		Body       *ReleaseRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = strings.TrimSpace(input.Body.Reason)
		}
		rel, err := e.ForceRelease(ctx, input.ResourceID, actorID, reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: releaseResponse(rel)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Resources that violate a commitment invariant",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AuditResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Authorize(ctx, actorID, config.CapResourceManage); err != nil {
			return nil, handleError(err)
		}
		findings, err := e.Audit(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditResponse `json:"body"`
		}{Body: AuditResponse{Findings: nonNilSlice(findings)}}, nil
	})
}

type capabilityLister interface {
	RolesFor(ctx context.Context, actorID string) []string
	Capabilities(ctx context.Context, actorID string) []string
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := WhoAmIResponse{ActorID: actorID, Roles: []string{}, Capabilities: []string{}}
		if cl, ok := e.Auth.(capabilityLister); ok {
			res.Roles = nonNilSlice(cl.RolesFor(ctx, actorID))
			res.Capabilities = nonNilSlice(cl.Capabilities(ctx, actorID))
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: res}, nil
	})
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
