package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"reclaim/internal/domain"
	"reclaim/internal/engine"
	"reclaim/internal/engine/auth"
	"reclaim/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// RateLimitRPS of zero disables per-client rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_verified"`
	Message string         `json:"message" example:"item already verified"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"step\":\"release\",\"retryable\":true}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

func reply[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the Reclaim API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
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
	if cfg.RateLimitRPS > 0 {
		router.Use(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Reclaim API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerBounties(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerSettlements(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var details map[string]any
	var step *engine.StepError
	if errors.As(err, &step) {
		details = map[string]any{"step": step.Step, "retryable": step.Retryable}
	}
	var fe auth.ForbiddenError
	msg := err.Error()
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", msg, map[string]any{"actor_id": fe.ActorID})
	case errors.Is(err, domain.ErrUnauthorized):
		return newAPIError(http.StatusForbidden, "forbidden", msg, details)
	case errors.Is(err, domain.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	case errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errors.Is(err, domain.ErrAlreadyVerified):
		return newAPIError(http.StatusConflict, "already_verified", msg, details)
	case errors.Is(err, domain.ErrAlreadyReleased):
		return newAPIError(http.StatusConflict, "already_released", msg, details)
	case errors.Is(err, domain.ErrItemAlreadyResolved):
		return newAPIError(http.StatusConflict, "item_already_resolved", msg, details)
	case errors.Is(err, domain.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", msg, details)
	case errors.Is(err, domain.ErrNotVerified):
		return newAPIError(http.StatusUnprocessableEntity, "not_verified", msg, details)
	case domain.IsRetryable(err):
		if details == nil {
			details = map[string]any{"retryable": true}
		}
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", msg, details)
	default:
		if details == nil {
			details = map[string]any{}
		}
		details["error"] = msg
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", details)
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
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	docURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Reclaim API Docs</title>
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
</html>`, docURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return reply(map[string]string{"status": "ok"}), nil
	})
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusServiceUnavailable,
}

type itemPath struct {
	ItemID string `path:"item_id"`
}

type claimPath struct {
	ItemID string `path:"item_id"`
	Finder string `path:"finder"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Report a lost item",
		Description:   "Registers an item owned by the caller and optionally pledges a reward.",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body ReportItemRequest
	}) (*output[ItemResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.ReportItem(ctx, engine.ReportOptions{
			Owner:       actor,
			Fingerprint: strings.TrimSpace(input.Body.Fingerprint),
			Name:        input.Body.Name,
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Reward:      strings.TrimSpace(input.Body.Reward),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(itemResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "Lost-item board, newest first",
	}, func(ctx context.Context, input *struct {
		Open bool `query:"open" doc:"Only items not yet found"`
	}) (*output[itemList], error) {
		views, err := e.Board(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Open {
			kept := views[:0]
			for _, v := range views {
				if !v.IsFound {
					kept = append(kept, v)
				}
			}
			views = kept
		}
		return reply(itemList{Items: itemResponses(views)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}",
		Summary:     "Get item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*output[ItemResponse], error) {
		v, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(itemResponse(v)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-owner-items",
		Method:      http.MethodGet,
		Path:        "/owners/{owner}/items",
		Summary:     "Items registered by an owner",
	}, func(ctx context.Context, input *struct {
		Owner string `path:"owner"`
	}) (*output[itemList], error) {
		views, err := e.ItemsByOwner(ctx, input.Owner)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(itemList{Items: itemResponses(views)}), nil
	})
}

func registerBounties(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pledge-bounty",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/bounty",
		Summary:     "Pledge to an item's bounty",
		Description: "Pledges add to the escrowed amount until the bounty is released.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   PledgeRequest
	}) (*output[BountyResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		amount, err := engine.ParseAmount(input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.PledgeBounty(ctx, input.ItemID, amount, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(*bountyResponse(&b)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bounty",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/bounty",
		Summary:     "Get an item's bounty",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*output[BountyResponse], error) {
		b, err := e.GetBounty(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(*bountyResponse(&b)), nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "file-claim",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/claims",
		Summary:       "File a claim as the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   FileClaimRequest
	}) (*output[domain.Claim], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.FileClaim(ctx, input.ItemID, actor, domain.ClaimDetails{
			Description: input.Body.Description,
			Location:    input.Body.Location,
			Contact:     input.Body.Contact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-item-claims",
		Method:      http.MethodGet,
		Path:        "/items/{item_id}/claims",
		Summary:     "Claims on an item",
		Description: "The owner sees every claim; anyone else sees only their own.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*output[claimList], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		item, err := e.GetItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		claims, err := e.ListClaimsForItem(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		if !auth.SameAddress(actor, item.Owner) {
			mine := []domain.Claim{}
			for _, c := range claims {
				if auth.SameAddress(c.Finder, actor) {
					mine = append(mine, c)
				}
			}
			claims = mine
		}
		return reply(claimList{Items: nonNilSlice(claims)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-my-claims",
		Method:      http.MethodGet,
		Path:        "/claims",
		Summary:     "Claims involving the caller",
		Description: "role=owner lists claims on the caller's items; role=finder lists claims the caller filed.",
	}, func(ctx context.Context, input *struct {
		Role string `query:"role" enum:"owner,finder" default:"owner"`
	}) (*output[claimList], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var (
			claims []domain.Claim
			err    error
		)
		if input.Role == "finder" {
			claims, err = e.ListClaimsByFinder(ctx, actor)
		} else {
			claims, err = e.ListClaimsForOwner(ctx, actor)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return reply(claimList{Items: nonNilSlice(claims)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-claim",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/claims/{finder}/accept",
		Summary:     "Accept a claim and settle it",
		Description: "Verifies the finder on the registry, releases any bounty and records the claim as accepted.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *claimPath) (*output[SettlementResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AcceptClaim(ctx, input.ItemID, input.Finder, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(settlementResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-claim",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/claims/{finder}/reject",
		Summary:     "Reject a claim",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Finder string `path:"finder"`
		Body   *RejectClaimRequest `required:"false"`
	}) (*output[domain.Claim], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		reason := ""
		if input.Body != nil {
			reason = input.Body.Reason
		}
		c, err := e.RejectClaim(ctx, input.ItemID, input.Finder, reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-settlement",
		Method:      http.MethodPost,
		Path:        "/items/{item_id}/claims/{finder}/retry",
		Summary:     "Resume an unfinished settlement",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *claimPath) (*output[SettlementResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.RetrySettlementAs(ctx, input.ItemID, input.Finder, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(settlementResponse(res)), nil
	})
}

func registerSettlements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-settlements",
		Method:      http.MethodGet,
		Path:        "/settlements",
		Summary:     "Settlement journal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State string `query:"state" enum:"verifying,partially_settled,settled,failed"`
	}) (*output[settlementList], error) {
		items, err := e.ListSettlements(ctx, input.State)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(settlementList{Items: nonNilSlice(items)}), nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/items/{item_id}/disputes",
		Summary:       "Contest a rejected claim",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
		Body   OpenDisputeRequest
	}) (*output[domain.Dispute], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		finder := strings.TrimSpace(input.Body.Finder)
		if finder == "" {
			finder = actor
		}
		d, err := e.OpenDispute(ctx, input.ItemID, finder, actor, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-disputes",
		Method:      http.MethodGet,
		Path:        "/disputes",
		Summary:     "List disputes",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,upheld,awarded"`
	}) (*output[disputeList], error) {
		items, err := e.ListDisputes(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(disputeList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/resolve",
		Summary:     "Resolve a dispute as an arbiter",
		Description: "award settles the contested claim through the dispute contract; uphold keeps the rejection.",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string `path:"dispute_id"`
		Body      ResolveDisputeRequest
	}) (*output[DisputeResponse], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ResolveDispute(ctx, input.DisputeID, actor, input.Body.Outcome, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(disputeResponse(res)), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"item,claim,settlement,dispute"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
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
