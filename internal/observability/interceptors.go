package observability

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"voice-expense-service/internal/observability/metrics"
)

// SplitMethod splits a full gRPC method name ("/pkg.Service/Method") into
// its service and method parts.
func SplitMethod(full string) (service, method string) {
	full = strings.TrimPrefix(full, "/")
	if i := strings.LastIndex(full, "/"); i >= 0 {
		return full[:i], full[i+1:]
	}
	return "unknown", full
}

// UnaryServerInterceptor records every unary call. Health checks are polled
// by orchestrators, so they are counted but only logged at trace level.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeCall(m, info.FullMethod, start, err, "gRPC unary call")
		return resp, err
	}
}

// StreamServerInterceptor records every stream when it completes.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observeCall(m, info.FullMethod, start, err, "gRPC stream completed")
		return err
	}
}

func observeCall(m *metrics.Metrics, fullMethod string, start time.Time, err error, msg string) {
	elapsed := time.Since(start)
	service, method := SplitMethod(fullMethod)
	code := status.Code(err).String()
	m.RecordGRPCCall(service, method, code, elapsed.Seconds())

	level := zerolog.DebugLevel
	switch {
	case err != nil:
		level = zerolog.WarnLevel
	case service == healthpb.Health_ServiceDesc.ServiceName:
		level = zerolog.TraceLevel
	}
	log.WithLevel(level).
		Str("service", service).
		Str("method", method).
		Str("code", code).
		Dur("duration", elapsed).
		Msg(msg)
}
