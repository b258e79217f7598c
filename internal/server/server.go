// ============================================================================
// Beaver-Nav Health Server - gRPC Health Checking for Simulation Shards
// ============================================================================
//
// Package: internal/server
// File: server.go
// Function: Serves grpc.health.v1.Health. The empty service name reports
//           the whole process; "beaver.shard.<n>" reports one shard.
//
// Status source:
//   Watch polls a Reporter (the simulation controller) and mirrors its
//   per-shard health into the health server. The overall status is
//   SERVING only while every shard is healthy.
//
// Shutdown:
//   Stop flips every service to NOT_SERVING so watchers see the drain, then
//   stops the gRPC server gracefully.
//
// ============================================================================

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// ShardService names the health service of one shard.
func ShardService(shard int) string {
	return fmt.Sprintf("beaver.shard.%d", shard)
}

// Reporter supplies health per shard service name.
type Reporter interface {
	Health() map[string]bool
}

// Server wraps a gRPC server exposing only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	services map[string]bool
}

func NewServer() *Server {
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		services: make(map[string]bool),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Update applies a health report. Services missing from report keep their
// last status.
func (s *Server) Update(report map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, ok := range report {
		if prev, seen := s.services[name]; seen && prev == ok {
			continue
		}
		s.services[name] = ok
		s.health.SetServingStatus(name, servingStatus(ok))
		if !ok {
			log.Warn("Shard unhealthy", "service", name)
		}
	}

	all := len(s.services) > 0
	for _, ok := range s.services {
		all = all && ok
	}
	s.health.SetServingStatus("", servingStatus(all))
}

// Services returns the known shard services, sorted.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.services))
	for n := range s.services {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Watch refreshes health from r every interval until ctx is done.
func (s *Server) Watch(ctx context.Context, r Reporter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Update(r.Health())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Update(r.Health())
		}
	}
}

// Serve blocks serving on lis.
func (s *Server) Serve(lis net.Listener) error {
	log.Info("Health server listening", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on port and serves.
func (s *Server) ListenAndServe(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains connections.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Client queries a health server.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewClient connects to target without transport security. Extra options
// are appended.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Check asks for the status of service. "" is the whole process.
func (c *Client) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	return c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

func (c *Client) Close() error { return c.conn.Close() }
