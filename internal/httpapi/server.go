package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"localinfer/internal/llm"
	"localinfer/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	ListModels() ([]types.ModelInfo, error)
	Status() types.StatusResponse
	Available() (bool, string)
	PullModel(ctx context.Context, id string, progress func(types.DownloadProgress)) (types.ModelInfo, error)
	LoadModel(ctx context.Context, id string) (types.ModelInfo, error)
	UnloadModel(ctx context.Context) error
	DeleteModel(ctx context.Context, id string) error
	GetLanguageModel(id string) (llm.LanguageModel, error)
}

type handlers struct {
	svc Service
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(middleware.Compress(5))
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
			ExposedHeaders: []string{middleware.RequestIDHeader},
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", h.readyz)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/models", h.listModels)
	r.Post("/models/pull", h.pull)
	r.Post("/models/load", h.load)
	r.Post("/models/unload", h.unload)
	// hub ids contain a slash
	r.Delete("/models/*", h.deleteModel)

	r.Post("/generate", h.generate)
	return r
}

// requestID propagates X-Request-Id or assigns a fresh one, stored where
// middleware.GetReqID finds it.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestLogger(r *http.Request) zerolog.Logger {
	l := zlog.With().Str("path", r.URL.Path)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		l = l.Str("request_id", rid)
	}
	return l.Logger()
}

// logEnd logs the outcome of a long-running request at the caller's level.
func logEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error, msg string) {
	if lvl == LevelOff || (lvl == LevelError && err == nil) {
		return
	}
	log := requestLogger(r)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Int("status", status).Dur("dur", time.Since(start)).Msg(msg)
}

// fail maps err to a status and writes it, unless the request or the
// server is already gone.
func fail(w http.ResponseWriter, r *http.Request, lvl LogLevel, start time.Time, err error, msg string) {
	if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
		return
	}
	status := statusFor(err)
	writeJSONError(w, status, err.Error())
	logEnd(r, lvl, status, start, err, msg)
}

// decodeJSON enforces the content type and body limit and decodes v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// oversize bodies are reported as invalid too
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	ok, reason := h.svc.Available()
	if ok {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	if reason == "" {
		reason = "initializing"
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(reason))
}

func flusherFor(w http.ResponseWriter) func() {
	if f, ok := w.(http.Flusher); ok {
		return f.Flush
	}
	return func() {}
}
