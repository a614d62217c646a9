// Command healthprobe checks the service's gRPC health endpoint and exits
// non-zero unless it reports SERVING. Suitable as a container probe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "voice-expense-service/internal/api/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "gRPC address")
	service := flag.String("service", grpcapi.ServiceName, "Service name to check; empty checks the server as a whole")
	timeout := flag.Duration("timeout", 3*time.Second, "Probe timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	status, err := probe(ctx, *addr, *service, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe %s: %v\n", *addr, err)
		os.Exit(2)
	}
	fmt.Println(status)
	if status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(1)
	}
}

func probe(ctx context.Context, addr, service string, opts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("check: %w", err)
	}
	return resp.GetStatus(), nil
}
