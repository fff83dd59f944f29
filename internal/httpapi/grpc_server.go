package httpapi

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ptw.org/internal/obs"
)

// HealthServer publishes grpc.health.v1 status for the service, SERVING while
// the readiness probe succeeds.
type HealthServer struct {
	health   *health.Server
	probe    ReadyProbe
	interval time.Duration
	log      zerolog.Logger
}

func NewHealthServer(probe ReadyProbe, interval time.Duration, log zerolog.Logger) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	hs := &HealthServer{
		health:   health.NewServer(),
		probe:    probe,
		interval: interval,
		log:      log,
	}
	hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return hs
}

// Register adds the health service to srv.
func (hs *HealthServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, hs.health)
}

// Run checks readiness every interval until ctx is done, then reports
// NOT_SERVING for good.
func (hs *HealthServer) Run(ctx context.Context) {
	ticker := time.NewTicker(hs.interval)
	defer ticker.Stop()
	for {
		hs.Probe(ctx)
		select {
		case <-ctx.Done():
			hs.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

// Probe runs one readiness check and publishes the result.
func (hs *HealthServer) Probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := hs.probe.Check(ctx); err != nil {
		hs.log.Warn().Err(err).Msg("grpc health: not ready")
		obs.SetReady(false)
		hs.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	obs.SetReady(true)
	hs.set(healthpb.HealthCheckResponse_SERVING)
}

func (hs *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(serviceName, status)
}
