package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vk/blockflow/internal/hclgraph"
	"github.com/vk/blockflow/internal/job"
	"github.com/vk/blockflow/internal/scheduler"
)

// maxGraphBytes bounds a submitted graph definition.
const maxGraphBytes = 1 << 20

// Handler returns the HTTP handler of the started components: /health
// always, /socket.io/ with the HTTP component and the /jobs API with the
// scheduler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.healthHandler)
	if a.progress != nil {
		mux.Handle("/socket.io/", a.progress.Handler())
	}
	if a.scheduler != nil {
		mux.HandleFunc("POST /jobs", a.submitHandler)
		mux.HandleFunc("GET /jobs", a.listHandler)
		mux.HandleFunc("GET /jobs/{id}", a.jobHandler)
		mux.HandleFunc("POST /jobs/{id}/stop", a.stopHandler)
	}
	return mux
}

// healthHandler creates an http.Handler that logs requests to the provided logger.
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	a.logger.Debug("Health check endpoint hit.", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

// submitHandler starts a job from the graph definition in the body. JSON is
// assumed unless the content type or ?format= says hcl.
func (a *App) submitHandler(w http.ResponseWriter, r *http.Request) {
	src, err := io.ReadAll(io.LimitReader(r.Body, maxGraphBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	filename := "submitted.json"
	if r.URL.Query().Get("format") == "hcl" || strings.Contains(r.Header.Get("Content-Type"), "hcl") {
		filename = "submitted.hcl"
	}
	g, err := hclgraph.Parse(filename, src)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	q := r.URL.Query()
	jc := job.Context{
		UserID:     q.Get("userId"),
		SessionID:  q.Get("sessionId"),
		WorkflowID: q.Get("workflowId"),
	}
	id, err := a.Submit(a.ctx, g, jc)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrJobCancelled) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	a.logger.Info("Job submitted over HTTP.", "job_id", id, "graph_id", g.ID, "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (a *App) listHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.Jobs())
}

func (a *App) jobHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := a.scheduler.Job(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *App) stopHandler(w http.ResponseWriter, r *http.Request) {
	stopping, err := a.scheduler.Stop(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopping": stopping})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// startHTTPServer runs the HTTP server in the background. A zero port
// disables it.
func (a *App) startHTTPServer() {
	port := a.cfg.HTTP.Port
	if port <= 0 {
		a.logger.Warn("HTTP server not started: disabled")
		return
	}

	addr := fmt.Sprintf(":%d", port)
	a.httpServer = &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv := a.httpServer
	go func() {
		a.logger.Info("🩺 HTTP server starting", "address", fmt.Sprintf("http://localhost%s/health", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed unexpectedly", "error", err)
		}
	}()
}

func (a *App) closeHTTPServer() error {
	if a.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.ctx), 5*time.Second)
	defer cancel()

	a.logger.Info("🩺 Shutting down HTTP server...")
	if err := a.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	a.httpServer = nil
	return nil
}
