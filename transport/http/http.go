package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/autom8ter/syncq"
	"github.com/autom8ter/syncq/errors"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
)

// Count is the response of the suspend and resume endpoints
type Count struct {
	Count     int  `json:"count"`
	Suspended bool `json:"suspended"`
}

// Handler returns an http handler that serves engine administration
// GET "/status"
// POST "/suspend?n={}" (n defaults to 1)
// POST "/resume"
// GET "/changesets"
// GET/DELETE "/changesets/{id}"
// GET "/events" (websocket event stream)
func Handler(e *syncq.Engine) http.Handler {
	router := mux.NewRouter()
	logger := e.Logger()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	register := func(method, path string, fn http.HandlerFunc) {
		logger.Debug(context.Background(), fmt.Sprintf("registered endpoint: %s %s", method, path), map[string]any{})
		router.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fn(w, r)
			logger.Debug(r.Context(), "request served", map[string]any{
				"request.method": r.Method,
				"request.path":   r.URL.Path,
				"duration":       float64(time.Since(start).Microseconds()) / float64(1000),
			})
		}).Methods(method)
	}

	register(http.MethodGet, "/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, e.Status())
	})

	register(http.MethodPost, "/suspend", func(w http.ResponseWriter, r *http.Request) {
		n := 1
		if v := r.URL.Query().Get("n"); v != "" {
			parsed, err := cast.ToIntE(v)
			if err != nil {
				Error(w, errors.Wrap(err, errors.Validation, "invalid n: %s", v))
				return
			}
			n = parsed
		}
		count, err := e.Suspend(n)
		if err != nil && !errors.Is(err, errors.Overflow) {
			Error(w, err)
			return
		}
		writeJSON(w, Count{Count: count, Suspended: e.IsSuspended()})
	})

	register(http.MethodPost, "/resume", func(w http.ResponseWriter, r *http.Request) {
		count, err := e.Resume()
		if err != nil {
			Error(w, err)
			return
		}
		writeJSON(w, Count{Count: count, Suspended: e.IsSuspended()})
	})

	register(http.MethodGet, "/changesets", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, e.Changesets())
	})

	register(http.MethodGet, "/changesets/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		cs, ok := e.Changeset(id)
		if !ok {
			Error(w, errors.New(errors.NotFound, "changeset %s not found", id))
			return
		}
		writeJSON(w, cs)
	})

	register(http.MethodDelete, "/changesets/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := e.Drop(r.Context(), mux.Vars(r)["id"]); err != nil {
			logger.Error(r.Context(), "failed to drop changeset", err, map[string]any{
				"request.path": r.URL.Path,
			})
			Error(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	register(http.MethodGet, "/events", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error(r.Context(), "failed to upgrade event stream", err, map[string]any{})
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			// the stream is write only; reading surfaces the client closing the connection
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()
		err = e.Watch(ctx, func(evt syncq.Event) (bool, error) {
			if err := conn.WriteJSON(&evt); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error(r.Context(), "event stream closed", err, map[string]any{})
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})
	return router
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
