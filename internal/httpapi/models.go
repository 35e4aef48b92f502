package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"localinfer/pkg/types"
)

func (h *handlers) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.svc.ListModels()
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if models == nil {
		models = []types.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func decodeModelRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req types.ModelRequest
	if !decodeJSON(w, r, &req) {
		return "", false
	}
	id := strings.TrimSpace(req.Model)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return "", false
	}
	return id, true
}

func (h *handlers) load(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeModelRequest(w, r)
	if !ok {
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	ctx, cancel := withBase(r.Context(), serverBaseCtx)
	defer cancel()
	info, err := h.svc.LoadModel(ctx, id)
	if err != nil {
		fail(w, r, lvl, start, err, "load")
		return
	}
	writeJSON(w, http.StatusOK, info)
	logEnd(r, lvl, http.StatusOK, start, nil, "load")
}

func (h *handlers) unload(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.UnloadModel(r.Context()); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status())
}

func (h *handlers) deleteModel(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(chi.URLParam(r, "*"), "/")
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "model id is required")
		return
	}
	if err := h.svc.DeleteModel(r.Context(), id); err != nil {
		writeJSONError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pull streams NDJSON progress lines while the model downloads. The status
// is decided before the first line; later failures arrive as an error line.
func (h *handlers) pull(w http.ResponseWriter, r *http.Request) {
	id, ok := decodeModelRequest(w, r)
	if !ok {
		return
	}
	lvl := requestLogLevel(r)
	start := time.Now()
	ctx, cancel := withBase(r.Context(), serverBaseCtx)
	defer cancel()

	var out io.Writer = w
	if lvl >= LevelDebug {
		out = io.MultiWriter(w, &loggingLineWriter{log: requestLogger(r)})
	}
	enc := json.NewEncoder(out)
	flush := flusherFor(w)

	// progress arrives on the download goroutine
	var (
		mu      sync.Mutex
		started bool
		closed  bool
	)
	begin := func() {
		if !started {
			started = true
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
		}
	}
	emit := func(ev types.PullEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		begin()
		_ = enc.Encode(ev)
		flush()
	}

	info, err := h.svc.PullModel(ctx, id, func(p types.DownloadProgress) {
		emit(types.PullEvent{Progress: &p})
	})

	mu.Lock()
	closed = true
	wasStarted := started
	mu.Unlock()

	if err != nil {
		if !wasStarted {
			fail(w, r, lvl, start, err, "pull")
			return
		}
		if r.Context().Err() == nil {
			_ = enc.Encode(types.PullEvent{Done: true, Error: err.Error()})
			flush()
			countStreamEnd("pull", outcomeFailed)
		} else {
			countStreamEnd("pull", outcomeDisconnected)
		}
		logEnd(r, lvl, http.StatusOK, start, err, "pull")
		return
	}
	begin()
	_ = enc.Encode(types.PullEvent{Done: true, Model: &info})
	flush()
	countStreamEnd("pull", outcomeDone)
	logEnd(r, lvl, http.StatusOK, start, nil, "pull")
}
