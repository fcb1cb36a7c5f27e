package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
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
	"github.com/google/uuid"

	"splitpay/internal/apierr"
	"splitpay/internal/config"
	"splitpay/internal/domain"
	"splitpay/internal/engine"
	"splitpay/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    *engine.Engine
	BasePath  string
	Auth      AuthConfig
	AppConfig *config.Config
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_request"`
	Message string         `json:"message" example:"at most one non-gift card payment method is allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Splitpay API.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Splitpay API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPayments(group, cfg.Engine)
	registerConfirmSplit(group, cfg.Engine)
	registerAttempts(group, cfg.Engine)
	registerBalances(group, cfg.Engine)
	registerProfiles(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine, cfg.AppConfig)

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
	var he huma.StatusError
	if errors.As(err, &he) {
		return he
	}
	switch apierr.KindOf(err) {
	case apierr.KindMissingRequiredField:
		var ae *apierr.Error
		details := map[string]any{}
		if errors.As(err, &ae) && ae.Field != "" {
			details["field"] = ae.Field
		}
		return newAPIError(http.StatusBadRequest, "missing_required_field", err.Error(), details)
	case apierr.KindInvalidRequestData:
		return newAPIError(http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case apierr.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case apierr.KindConcurrencyConflict:
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Splitpay API Docs</title>
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

// getOwnedIntent loads an intent and enforces merchant scoping. Foreign
// intents read as not found.
func getOwnedIntent(ctx context.Context, e *engine.Engine, principal Principal, id string) (domain.PaymentIntent, error) {
	p, err := e.GetIntent(ctx, id)
	if err != nil {
		return p, err
	}
	if p.MerchantID != principal.MerchantID {
		return p, apierr.NotFound("payment intent not found")
	}
	return p, nil
}

func registerPayments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-payment",
		Method:        http.MethodPost,
		Path:          "/payments",
		Summary:       "Create payment intent",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePaymentRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		profileID := input.Body.ProfileID
		if profileID == "" {
			profileID = "default"
		}
		p, err := e.CreateIntent(ctx, principal.MerchantID, profileID, input.Body.OrderAmount, strings.ToUpper(input.Body.Currency), principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/payments/{payment_id}",
		Summary:     "Get payment intent",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := getOwnedIntent(ctx, e, principal, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/payments",
		Summary:     "List payment intents",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"requires_payment_method,split_in_progress,succeeded,failed" required:"false"`
		Limit  int    `query:"limit" minimum:"1" maximum:"200" required:"false"`
		Cursor string `query:"cursor" required:"false"`
	}) (*struct {
		Body []PaymentResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		filters := repo.IntentFilters{MerchantID: principal.MerchantID, Status: input.Status, Limit: limit}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "invalid_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.ListIntents(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PaymentResponse `json:"body"`
		}{Body: mapPayments(items)}, nil
	})
}

func registerConfirmSplit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "confirm-split-payment",
		Method:        http.MethodPost,
		Path:          "/payments/{payment_id}/confirm-split",
		Summary:       "Confirm a payment with split instruments",
		Description:   "Allocates the order amount across the declared gift cards plus at most one primary instrument and settles each leg in order.",
		DefaultStatus: http.StatusOK,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
		Body      ConfirmSplitRequest `json:"body"`
	}) (*struct {
		Body SplitResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getOwnedIntent(ctx, e, principal, input.PaymentID); err != nil {
			return nil, handleError(err)
		}
		req := domain.ConfirmSplitRequest{
			MethodType:    domain.MethodType(input.Body.MethodType),
			MethodSubtype: input.Body.MethodSubtype,
			MethodData:    input.Body.MethodData,
		}
		for _, entry := range input.Body.SplitMethods {
			var data domain.PaymentMethodData
			if entry.MethodData != nil {
				data = *entry.MethodData
			}
			req.SplitMethods = append(req.SplitMethods, domain.SplitMethodEntry{
				MethodType:    domain.MethodType(entry.MethodType),
				MethodSubtype: entry.MethodSubtype,
				MethodData:    data,
			})
		}
		res, err := e.ExecuteSplit(ctx, input.PaymentID, req, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SplitResponse `json:"body"`
		}{Body: splitResponse(res)}, nil
	})
}

func registerAttempts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payment-attempts",
		Method:      http.MethodGet,
		Path:        "/payments/{payment_id}/attempts",
		Summary:     "List a payment's attempts",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
	}) (*struct {
		Body []AttemptResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getOwnedIntent(ctx, e, principal, input.PaymentID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAttempts(ctx, input.PaymentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AttemptResponse `json:"body"`
		}{Body: mapAttempts(items)}, nil
	})
}

func registerBalances(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "seed-payment-balance",
		Method:        http.MethodPut,
		Path:          "/payments/{payment_id}/balances",
		Summary:       "Record a gift card balance for a payment",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		PaymentID string `path:"payment_id"`
		Body      SeedBalanceRequest `json:"body"`
	}) (*struct{}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := getOwnedIntent(ctx, e, principal, input.PaymentID); err != nil {
			return nil, handleError(err)
		}
		card := domain.GiftCardData{Provider: input.Body.Provider, Number: input.Body.Number}
		key, err := card.UniqueKey()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "invalid_request", err.Error(), nil)
		}
		subtype := input.Body.MethodSubtype
		if subtype == "" {
			subtype = input.Body.Provider
		}
		balanceKey := domain.BalanceKey{MethodType: domain.MethodGiftCard, MethodSubtype: subtype, MethodKey: key}
		rec := domain.BalanceRecord{Balance: input.Body.Balance, Currency: input.Body.Currency}
		if err := e.SeedBalance(ctx, input.PaymentID, balanceKey, rec, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProfiles(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "upsert-profile",
		Method:        http.MethodPut,
		Path:          "/profiles/{profile_id}",
		Summary:       "Create or update a routing profile",
		DefaultStatus: http.StatusOK,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ProfileID string `path:"profile_id"`
		Body      UpsertProfileRequest `json:"body"`
	}) (*struct {
		Body ProfileResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Connector == "" {
			return nil, newAPIError(http.StatusBadRequest, "missing_required_field", "connector is required", nil)
		}
		p := domain.Profile{
			ID:         input.ProfileID,
			MerchantID: principal.MerchantID,
			Connector:  input.Body.Connector,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.UpsertProfile(ctx, p); err != nil {
			return nil, handleError(apierr.Internal("upsert profile", err))
		}
		return &struct {
			Body ProfileResponse `json:"body"`
		}{Body: profileResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/profiles",
		Summary:     "List routing profiles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProfileResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListProfiles(ctx, principal.MerchantID)
		if err != nil {
			return nil, handleError(apierr.Internal("list profiles", err))
		}
		res := make([]ProfileResponse, 0, len(items))
		for _, p := range items {
			res = append(res, profileResponse(p))
		}
		return &struct {
			Body []ProfileResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAPIKeys(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		merchantID := input.Body.MerchantID
		if merchantID == "" {
			merchantID = principal.MerchantID
		}
		raw, key, err := NewAPIKey(ctx, e.Repo, merchantID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:         key.ID,
			MerchantID: key.MerchantID,
			Name:       key.Name,
			Key:        raw,
			CreatedAt:  key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{key_id}",
		Summary:       "Delete an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			if err == repo.ErrNotFound {
				return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
			}
			return nil, handleError(apierr.Internal("delete api key", err))
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit    int    `query:"limit" minimum:"1" maximum:"500" required:"false"`
		IntentID string `query:"payment_id" required:"false"`
		Type     string `query:"type" required:"false"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.IntentID, input.Type)
		if err != nil {
			return nil, handleError(apierr.Internal("list events", err))
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

// NewAPIKey mints a merchant-scoped key and stores its hash. The raw key is
// only ever returned here.
func NewAPIKey(ctx context.Context, r repo.Repo, merchantID, name string) (string, domain.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, apierr.Internal("generate api key", err)
	}
	raw := "sp_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:         "key_" + uuid.NewString(),
		MerchantID: merchantID,
		Name:       name,
		KeyHash:    repo.HashAPIKey(raw),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		return "", domain.APIKey{}, apierr.Internal("store api key", err)
	}
	return raw, key, nil
}

// decodeCursor splits an opaque "created_at|id" page cursor.
func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
