package server

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// HealthChecker implements the gRPC health checking protocol
type HealthChecker struct {
	grpc_health_v1.UnimplementedHealthServer
	mu       sync.RWMutex
	status   map[string]grpc_health_v1.HealthCheckResponse_ServingStatus
	watchers map[string][]chan grpc_health_v1.HealthCheckResponse_ServingStatus
}

func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		status:   make(map[string]grpc_health_v1.HealthCheckResponse_ServingStatus),
		watchers: make(map[string][]chan grpc_health_v1.HealthCheckResponse_ServingStatus),
	}
}

func (h *HealthChecker) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if st, ok := h.status[req.Service]; ok {
		return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
	}
	return nil, status.Error(codes.NotFound, "unknown service")
}

// Watch streams the service's status, starting with the current one, until
// the client goes away.
func (h *HealthChecker) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	updates := make(chan grpc_health_v1.HealthCheckResponse_ServingStatus, 1)

	h.mu.Lock()
	current, ok := h.status[req.Service]
	if !ok {
		current = grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	h.watchers[req.Service] = append(h.watchers[req.Service], updates)
	h.mu.Unlock()
	defer h.unwatch(req.Service, updates)

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case st := <-updates:
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		}
	}
}

// SetServingStatus sets the serving status of a service
func (h *HealthChecker) SetServingStatus(service string, st grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = st
	for _, ch := range h.watchers[service] {
		// Watchers only need the latest status.
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// Shutdown marks every known service NOT_SERVING.
func (h *HealthChecker) Shutdown() {
	h.mu.RLock()
	services := make([]string, 0, len(h.status))
	for s := range h.status {
		services = append(services, s)
	}
	h.mu.RUnlock()

	for _, s := range services {
		h.SetServingStatus(s, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
}

func (h *HealthChecker) unwatch(service string, ch chan grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.watchers[service]
	for i, c := range list {
		if c == ch {
			h.watchers[service] = append(list[:i], list[i+1:]...)
			break
		}
	}
}
