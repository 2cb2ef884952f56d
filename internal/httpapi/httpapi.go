// Package httpapi is the gateway's HTTP transport: a chi router exposing
// the public deployment API, the internal readiness callback, and the
// health/readiness probes. It translates engine and store errors into the
// {error, message, details} envelope of spec.md §7 and nothing more —
// every decision that isn't "how do I shape an HTTP response" belongs to
// internal/engine.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/visgate-ai/visgate-deploy-api/internal/deployment"
	"github.com/visgate-ai/visgate-deploy-api/internal/engine"
	"github.com/visgate-ai/visgate-deploy-api/internal/opshub"
	"github.com/visgate-ai/visgate-deploy-api/internal/ratelimit"
	"github.com/visgate-ai/visgate-deploy-api/internal/store"
)

type ownerKey struct{}
type providerKeyKey struct{}

// Handler wires the Lifecycle Engine, Store, and ambient components into
// an http.Handler. It holds no lifecycle logic of its own.
type Handler struct {
	Engine              *engine.Engine
	Store                store.Store
	OpsHub               *opshub.Hub
	Limiter              *ratelimit.Limiter
	InternalWebhookSecret string
	AllowedOrigins       []string
	DefaultLogLimit      int
}

// Router assembles the full route tree. Safe to call once at startup.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Provider-Api-Key"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	r.Get("/readiness", h.Readiness)
	r.Post("/internal/deployment-ready/{id}", h.DeploymentReady)

	if h.OpsHub != nil {
		r.Get("/ws", h.OpsHub.HandleConnect)
	}

	r.Route("/v1/deployments", func(r chi.Router) {
		r.Use(h.authenticate)
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware(ownerFromContext))
		}
		r.Post("/", h.CreateDeployment)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetDeployment)
			r.Delete("/", h.DeleteDeployment)
			r.Get("/stream", h.StreamDeployment)
		})
	})

	return r
}

func (h *Handler) allowedOrigins() []string {
	if len(h.AllowedOrigins) > 0 {
		return h.AllowedOrigins
	}
	return []string{"*"}
}

// authenticate extracts the caller's provider API key from either auth
// header the spec recognizes, rejects requests with neither, and stashes
// the raw key plus its owner_hash (the SHA-256 hex digest, the only form
// of the key ever persisted) in the request context.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Provider-Api-Key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if key == "" {
			writeAPIError(w, http.StatusUnauthorized, deployment.NewUnauthorizedError("missing Authorization Bearer token or X-Provider-Api-Key header"))
			return
		}
		ctx := context.WithValue(r.Context(), providerKeyKey{}, key)
		ctx = context.WithValue(ctx, ownerKey{}, ownerHash(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerHash(providerKey string) string {
	sum := sha256.Sum256([]byte(providerKey))
	return hex.EncodeToString(sum[:])
}

func ownerFromContext(r *http.Request) string {
	v, _ := r.Context().Value(ownerKey{}).(string)
	return v
}

func providerKeyFromContext(ctx context.Context) string {
	v, _ := ctx.Value(providerKeyKey{}).(string)
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// apiError is the wire shape of every failure response, per spec.md §7:
// "{error, message, details}". error carries the stable Kind.
type apiError struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeAPIError(w http.ResponseWriter, status int, err *deployment.Error) {
	writeJSON(w, status, apiError{Error: string(err.Kind), Message: err.Message, Details: err.Details})
}

// writeErr classifies an arbitrary error returned by the engine or store
// into the right HTTP status, per the taxonomy table in spec.md §7. An
// error that isn't one of the gateway's own *deployment.Error values is
// never expected here, but is still surfaced safely as a generic 500.
func writeErr(w http.ResponseWriter, err error) {
	de, ok := err.(*deployment.Error)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, apiError{Error: "internal_error", Message: err.Error()})
		return
	}
	status := http.StatusBadRequest
	switch de.Kind {
	case deployment.KindUnauthorized:
		status = http.StatusUnauthorized
	case deployment.KindNotFound:
		status = http.StatusNotFound
	case deployment.KindRateLimit:
		status = http.StatusTooManyRequests
	case deployment.KindValidation, deployment.KindModelNotFound, deployment.KindModelGated, deployment.KindUnsupportedGPU:
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	writeAPIError(w, status, de)
}
