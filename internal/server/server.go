// Package server exposes the pipeline over HTTP with huma on a chi router.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"leadez/internal/app"
	"leadez/internal/domain"
)

const (
	defaultBasePath = "/v0"
	maxBodyBytes    = 1 << 20
)

// Config for the HTTP API handler.
type Config struct {
	Host     *app.Host
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

type bodyBytesKey struct{}

type handlers struct {
	host *app.Host
	svc  *app.Services
	auth AuthConfig
	now  func() time.Time
}

// New returns an HTTP handler exposing the leadez API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Host == nil || cfg.Host.Services() == nil {
		return nil, errors.New("server: host is required")
	}
	basePath := "/" + strings.Trim(cfg.BasePath, "/")
	if basePath == "/" {
		basePath = defaultBasePath
	}
	if cfg.Auth.DevLogin && strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, &domain.ConfigurationError{Field: "server.dev_login", Reason: "requires server.jwt_secret"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	useErrorEnvelope()

	svc := cfg.Host.Services()
	h := &handlers{host: cfg.Host, svc: svc, auth: cfg.Auth, now: cfg.Now}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	router.Use(accessLog(svc.Logger))
	router.Use(captureBody)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, svc.Repo))

	hcfg := huma.DefaultConfig("Leadez API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	hcfg.SchemasPath = ""
	api := humachi.New(router, hcfg)
	registerSecuritySchemes(api.OpenAPI())
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	h.registerMe(group)
	if cfg.Auth.DevLogin {
		h.registerDevAuth(group)
	}
	h.registerStats(group)
	h.registerLeads(group)
	h.registerMessages(group)
	h.registerQueue(group)
	h.registerTools(group)
	h.registerAgent(group)
	h.registerRuns(group)
	h.registerEvents(group)
	if err := registerSpec(router, api, basePath); err != nil {
		return nil, err
	}
	return router, nil
}

// secured documents the caller requirements of op and rejects callers that
// lack perm before the handler runs.
func secured(op huma.Operation, perm string) huma.Operation {
	if op.Extensions == nil {
		op.Extensions = map[string]any{}
	}
	op.Extensions["x-permission"] = perm
	op.Security = authSecurity
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		if !slices.Contains(op.Errors, status) {
			op.Errors = append(op.Errors, status)
		}
	}
	if len(op.Tags) == 0 {
		op.Tags = []string{strings.SplitN(strings.TrimPrefix(op.Path, "/"), "/", 2)[0]}
	}
	op.Middlewares = append(op.Middlewares, func(ctx huma.Context, next func(huma.Context)) {
		if _, err := requirePermission(ctx.Context(), perm); err != nil {
			se := handleError(err)
			ctx.SetHeader("Content-Type", "application/json")
			ctx.SetStatus(statusOf(se))
			_ = json.NewEncoder(ctx.BodyWriter()).Encode(se)
			return
		}
		next(ctx)
	})
	return op
}

// public marks op as reachable without credentials.
func public(op huma.Operation) huma.Operation {
	op.Security = []map[string][]string{}
	return op
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(start))
		})
	}
}

// captureBody buffers the request body so handlers can tell an empty body
// from a zero-valued one.
func captureBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "", "request body too large", map[string]any{"limit": tooLarge.Limit}))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "", "unreadable request body", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(data))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
	})
}

func bodyBytes(ctx context.Context) []byte {
	data, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return data
}

func registerHealth(api huma.API) {
	type healthOutput struct {
		Body map[string]string `json:"body"`
	}
	huma.Register(api, public(huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Liveness probe",
		Tags:        []string{"system"},
	}), func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		return &healthOutput{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h *handlers) registerMe(api huma.API) {
	type meOutput struct {
		Body WhoAmIResponse `json:"body"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Describe the authenticated caller",
		Tags:        []string{"auth"},
		Security:    authSecurity,
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*meOutput, error) {
		p, err := principalFromRequest(ctx)
		if err != nil {
			return nil, err
		}
		return &meOutput{Body: WhoAmIResponse{
			ActorID:     p.ActorID,
			Roles:       nonNilSlice(p.Roles),
			Permissions: nonNilSlice(p.Permissions),
			Source:      p.Source,
		}}, nil
	})
}

func (h *handlers) registerDevAuth(api huma.API) {
	type loginInput struct {
		Body DevLoginRequest `json:"body"`
	}
	type loginOutput struct {
		Body DevLoginResponse `json:"body"`
	}
	huma.Register(api, public(huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "Mint a short-lived token for local use",
		Tags:        []string{"auth"},
		Errors:      []int{http.StatusBadRequest},
	}), func(ctx context.Context, in *loginInput) (*loginOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body required", nil)
		}
		actor := strings.TrimSpace(in.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "", "actor_id is required", nil)
		}
		token, err := signDevToken(h.auth.JWTSecret, actor, in.Body.Roles, in.Body.Permissions, h.now())
		if err != nil {
			return nil, handleError(err)
		}
		h.auth.logger().Warn("issued dev token", "actor_id", actor, "permissions", in.Body.Permissions)
		return &loginOutput{Body: DevLoginResponse{Token: token}}, nil
	})
}

// normalizeLimit clamps page sizes to 1..200, defaulting to 50.
func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 200:
		return 200
	}
	return in
}

func (h *handlers) dryRun(in *bool) bool {
	if in != nil {
		return *in
	}
	return h.svc.Config.Pipeline.DryRun
}
