package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cortexa-labs/cortexa/internal/model"
	"github.com/cortexa-labs/cortexa/internal/router"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion and routing HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := initCore(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newAPIHandler(ctx, c),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// newAPIHandler builds the HTTP surface. Jobs started over HTTP run
// detached; clients poll GET /jobs/{id} or watch the manifest for results.
func newAPIHandler(serverCtx context.Context, c *core) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"backends": c.adapters.BreakerStates(),
		})
	})

	r.Post("/ingest", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Tenant string   `json:"tenant"`
			Files  []string `json:"files"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		job, err := c.runner.Submit(req.Context(), body.Tenant, body.Files)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		go func() {
			if err := c.runner.Run(serverCtx, job.ID); err != nil {
				zap.L().Error("job run failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
	})

	r.Get("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		job, err := c.store.GetJob(req.Context(), chi.URLParam(req, "id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := map[string]any{"job": job}
		if p, ok := c.runner.Snapshot(job.ID); ok {
			resp["progress"] = p
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Delete("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		jobID := chi.URLParam(req, "id")
		if err := c.store.RequestCancel(req.Context(), jobID); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": "cancelling"})
	})

	r.Post("/query", func(w http.ResponseWriter, req *http.Request) {
		var body router.Request
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		resp, err := c.router.Dispatch(req.Context(), body)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the domain error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, model.ErrCapacityExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case model.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
