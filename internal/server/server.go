// Package server exposes the engine over HTTP and gRPC. Commands are
// submitted on POST /v1/commands/{op}; read-only views are served by a
// grpc-gateway mux under /v1; /ws streams applied outcomes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"PerpPool/internal/event"
	"PerpPool/internal/ingestion"
	"PerpPool/internal/observability"
	"PerpPool/internal/query"
)

const maxCommandBody = 1 << 20

// Submitter executes a JSON command and waits for its outcome.
// *ingestion.Sequencer satisfies it.
type Submitter interface {
	SubmitRaw(ctx context.Context, op string, payload []byte) (*event.Outcome, error)
}

// Deps holds everything the handlers need. Query is required; Hub, Health
// and Metrics are optional.
type Deps struct {
	Query   *query.Service
	Ingest  Submitter
	Hub     *Hub
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
}

type Server struct {
	deps       Deps
	router     chi.Router
	grpcServer *grpc.Server
	health     *health.Server
	log        zerolog.Logger
}

func New(deps Deps) (*Server, error) {
	if deps.Query == nil {
		return nil, errors.New("server: query service is required")
	}
	s := &Server{
		deps:   deps,
		health: health.NewServer(),
		log:    observability.NewLogger("server"),
	}

	gw := runtime.NewServeMux()
	if err := s.registerViews(gw); err != nil {
		return nil, fmt.Errorf("register views: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
		})
	}
	r.Handle("/metrics", promhttp.Handler())
	if deps.Hub != nil {
		r.Get("/ws", deps.Hub.ServeWS)
	}
	r.Post("/v1/commands/{op}", s.submitCommand)
	r.Mount("/v1", gw)
	s.router = r

	s.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// SetServing flips the gRPC health status with readiness.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// submitCommand handles POST /v1/commands/{op}. Applied and duplicate
// commands answer 200, rejected ones 422 with the same outcome body.
func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route := "/v1/commands/{op}"
	if s.deps.Ingest == nil {
		s.fail(w, route, start, ingestion.ErrIngestClosed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		s.fail(w, route, start, err)
		return
	}

	outcome, err := s.deps.Ingest.SubmitRaw(r.Context(), chi.URLParam(r, "op"), body)
	if err != nil {
		s.fail(w, route, start, err)
		return
	}

	status := http.StatusOK
	if outcome.Error != "" {
		status = http.StatusUnprocessableEntity
	}
	s.observe(route, start)
	writeJSON(w, status, outcome)
}

func (s *Server) observe(route string, start time.Time) {
	if s.deps.Metrics == nil {
		return
	}
	s.deps.Metrics.QueryRequests.WithLabelValues(route).Inc()
	s.deps.Metrics.QueryDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
}

func (s *Server) fail(w http.ResponseWriter, route string, start time.Time, err error) {
	s.observe(route, start)
	if s.deps.Metrics != nil {
		s.deps.Metrics.QueryErrors.WithLabelValues(route).Inc()
	}
	writeError(w, err)
}

// StartGRPC serves the gRPC health service until ctx is done.
func (s *Server) StartGRPC(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", addr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the router until ctx is done.
func (s *Server) StartHTTP(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
