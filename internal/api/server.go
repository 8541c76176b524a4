package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"taskmesh/internal/domain"
	"taskmesh/internal/metrics"
	"taskmesh/internal/usecase"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

type Options struct {
	SubmitRPS   float64
	SubmitBurst int
}

type Server struct {
	router  *chi.Mux
	gw      *usecase.Gateway
	metrics *metrics.Collector
	// OnShutdown runs after the HTTP server has stopped accepting requests.
	OnShutdown func()
}

// NewServer mounts the gateway API. ctx bounds background helpers such as the
// rate limiter's visitor cleanup.
func NewServer(ctx context.Context, gw *usecase.Gateway, opts Options) *Server {
	s := &Server{router: chi.NewRouter(), gw: gw, metrics: gw.Metrics}
	r := s.router

	r.Get("/healthz", s.health)
	r.Handle("/metrics", s.metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(rateLimitHandler(ctx, opts.SubmitRPS, opts.SubmitBurst)).Post("/tasks", s.submitTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/start", s.startTask)
		r.Post("/tasks/{id}/result", s.reportResult)
		r.Post("/tasks/{id}/release", s.releaseTask)

		r.Post("/nodes/heartbeat", s.heartbeat)
		r.Get("/nodes", s.listNodes)
		r.Post("/nodes/{id}/claim", s.claimTask)
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		}),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ValidationError("malformed request body: %v", err)
	}
	return nil
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub := usecase.Submission{
		Type:        req.TaskType,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
	}
	if req.TargetAffinity != nil {
		sub.Affinity = *req.TargetAffinity
	}

	t, err := s.gw.SubmitTask(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{TaskID: t.ID, Status: "queued"})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.gw.GetTaskStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t, false))
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	load := domain.Load{CPU: req.CPU, Memory: req.Memory, ActiveTasks: req.ActiveTasks}
	if _, err := s.gw.ReportHeartbeat(r.Context(), req.NodeID, req.Tags, load); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResp{Acknowledged: true})
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.gw.ListNodes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make(map[string]nodeView, len(nodes))
	for _, n := range nodes {
		out[n.ID] = nodeView{
			Status:        n.Status,
			LastHeartbeat: n.LastHeartbeat,
			CPU:           n.Load.CPU,
			Memory:        n.Load.Memory,
			ActiveTasks:   n.Load.ActiveTasks,
			Tags:          n.Tags,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) claimTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.gw.ClaimTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, taskView(*t, true))
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req nodeReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.gw.StartTask(r.Context(), chi.URLParam(r, "id"), req.NodeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t, false))
}

func (s *Server) reportResult(w http.ResponseWriter, r *http.Request) {
	var req resultReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o := domain.Outcome{Success: req.Success, Result: req.Result, Error: req.Error}
	t, err := s.gw.ReportResult(r.Context(), chi.URLParam(r, "id"), req.NodeID, o)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t, false))
}

func (s *Server) releaseTask(w http.ResponseWriter, r *http.Request) {
	var req releaseReq
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.gw.ReleaseTask(r.Context(), chi.URLParam(r, "id"), req.NodeID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(t, false))
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.gw.Health(r.Context())
	resp := healthResp{
		Store:           "ok",
		PendingTasks:    h.Pending,
		RegisteredNodes: h.Nodes,
	}
	if !h.StoreOK {
		resp.Store = "unreachable"
		resp.StoreError = h.StoreError
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if h.ByStatus != nil {
		resp.TasksByStatus = make(map[string]int64, len(h.ByStatus))
		for st, n := range h.ByStatus {
			resp.TasksByStatus[string(st)] = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Run method of the Server struct runs the HTTP server on the specified port
// until SIGINT or SIGTERM, then shuts it down gracefully.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}
		if s.OnShutdown != nil {
			s.OnShutdown()
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
