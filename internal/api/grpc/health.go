// Package grpc serves the standard gRPC health service, reporting the state
// of the maintainers and stores.
package grpc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/arkilian/rollup/internal/logging"
)

// OverallService is the health service name covering every component.
const OverallService = ""

// Check reports one component's health; nil means serving.
type Check func(ctx context.Context) error

// HealthService publishes component checks through grpc_health_v1. Each
// check is exposed as its own service name, and the overall service is
// SERVING only while every check passes.
type HealthService struct {
	server *health.Server
	logger *logging.Logger

	mu      sync.Mutex
	checks  map[string]Check
	timeout time.Duration
	last    map[string]bool
}

// NewHealthService creates a health service; statuses are NOT_SERVING until
// the first Update.
func NewHealthService(checks map[string]Check, timeout time.Duration, logger *logging.Logger) *HealthService {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	hs := &HealthService{
		server:  health.NewServer(),
		logger:  logger.Named("grpc-health"),
		checks:  checks,
		timeout: timeout,
		last:    make(map[string]bool),
	}
	hs.server.SetServingStatus(OverallService, healthpb.HealthCheckResponse_NOT_SERVING)
	for name := range checks {
		hs.server.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return hs
}

// Register installs the health service on s.
func (hs *HealthService) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, hs.server)
}

// Server returns the underlying health server.
func (hs *HealthService) Server() healthpb.HealthServer {
	return hs.server
}

// Name implements daemon.Task.
func (hs *HealthService) Name() string {
	return "grpc-health"
}

// RunOnce implements daemon.Task by calling Update.
func (hs *HealthService) RunOnce(ctx context.Context) error {
	hs.Update(ctx)
	return nil
}

// Update runs every check and publishes the results.
func (hs *HealthService) Update(ctx context.Context) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	allServing := true
	for _, name := range names {
		cctx, cancel := context.WithTimeout(ctx, hs.timeout)
		err := hs.checks[name](cctx)
		cancel()

		serving := err == nil
		if prev, seen := hs.last[name]; !seen || prev != serving {
			if serving {
				hs.logger.Info("component serving", "component", name)
			} else {
				hs.logger.Warn("component not serving", "component", name, "error", err)
			}
		}
		hs.last[name] = serving
		hs.server.SetServingStatus(name, servingStatus(serving))
		allServing = allServing && serving
	}
	hs.server.SetServingStatus(OverallService, servingStatus(allServing))
}

// Shutdown marks every service NOT_SERVING; later updates are ignored.
func (hs *HealthService) Shutdown() {
	hs.server.Shutdown()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// LoggingInterceptor logs every unary call with its request ID, taken from
// the x-request-id metadata or generated.
func LoggingInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		requestID := extractRequestID(ctx)
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
			"request_id", requestID,
		)
		return resp, err
	}
}

func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
