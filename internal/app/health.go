package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// storageService is the health service name that tracks the storage
// backend. The empty name reports overall process health.
const storageService = "claimq.v1.Storage"

const defaultHealthInterval = 10 * time.Second

type healthChecker struct {
	server   *health.Server
	check    func(ctx context.Context) error
	interval time.Duration
	logger   *slog.Logger
}

func newHealthChecker(check func(ctx context.Context) error, logger *slog.Logger) *healthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(storageService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &healthChecker{server: hs, check: check, interval: defaultHealthInterval, logger: logger}
}

// probe pings storage once and publishes the result. It reports whether
// storage answered.
func (h *healthChecker) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.check(ctx); err != nil {
		h.logger.Warn("health_check_failed", slog.Any("err", err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(storageService, status)
	return status == healthpb.HealthCheckResponse_SERVING
}

// run probes on every interval until ctx is done, then marks every service
// as shutting down.
func (h *healthChecker) run(ctx context.Context) {
	h.probe(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

// serveHealth starts the gRPC health service on addr.
func serveHealth(logger *slog.Logger, addr string, hc *healthChecker, cancel func()) (*grpc.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hc.server)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("grpc_server_error", slog.Any("err", err))
			if cancel != nil {
				cancel()
			}
		}
	}()
	return srv, ln.Addr(), nil
}

func healthCmd(args []string) int {
	return runHealthCmd(args, os.Stdout, os.Stderr)
}

// runHealthCmd queries a running claimq over the gRPC health protocol. It
// exits 0 only for SERVING.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "127.0.0.1:9090", "gRPC health address")
	service := fs.String("service", "", "service name (empty for overall health)")
	timeout := fs.Duration("timeout", 3*time.Second, "request timeout")
	jsonOutput := fs.Bool("json", false, "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "health: unexpected positional arguments")
		return 2
	}

	conn, err := grpc.NewClient(strings.TrimSpace(*addr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: *service})
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}

	if *jsonOutput {
		b, err := protojson.Marshal(resp)
		if err != nil {
			fmt.Fprintf(stderr, "health: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(b))
	} else {
		fmt.Fprintln(stdout, resp.GetStatus().String())
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return 1
	}
	return 0
}
