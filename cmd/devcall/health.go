package devcall

import (
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the service name reported next to the server-wide "" entry.
const healthService = "devcall"

type healthServer struct {
	server *grpc.Server
	health *health.Server
	addr   net.Addr
}

// startHealthServer serves grpc.health.v1 on addr. Both entries start as
// NOT_SERVING until setServing is called.
func startHealthServer(addr string, wg *sync.WaitGroup, logger *zap.Logger) (*healthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h := &healthServer{
		server: grpc.NewServer(),
		health: health.NewServer(),
		addr:   lis.Addr(),
	}
	healthpb.RegisterHealthServer(h.server, h.health)
	h.setServing(false)

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting grpc health server", zap.String("addr", h.addr.String()))
		if err := h.server.Serve(lis); err != nil {
			logger.Error("grpc health server error", zap.Error(err))
		}
	}()
	return h, nil
}

func (h *healthServer) setServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(healthService, status)
}

// stop reports NOT_SERVING to watchers, then stops the server.
func (h *healthServer) stop() {
	h.health.Shutdown()
	h.server.GracefulStop()
}
