package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"smallbiznis-economy/pkg/config"
	"smallbiznis-economy/pkg/errutil"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/validator"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ProvideGRPCServer serves the standard gRPC health service and reflection
// next to the HTTP API.
var ProvideGRPCServer = fx.Module("grpc.server",
	fx.Provide(
		NewListener,
		WithOption,
		NewGRPCServer,
	),
	fx.Invoke(
		StartGRPCServer,
	),
)

func NewListener(cfg *config.Config) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%s", cfg.Grpc.Addr))
}

func WithOption(cfg *config.Config, tp trace.TracerProvider) ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(recovery.WithRecoveryHandler(recoverPanic)),
			validator.UnaryServerInterceptor(validator.WithFailFast()),
			errorInterceptor,
		),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(recovery.WithRecoveryHandler(recoverPanic)),
			validator.StreamServerInterceptor(validator.WithFailFast()),
		),
		WithStatsHandler(tp),
	}

	if cfg.TLS.Enable {
		cert, err := LoadCertificate(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLS(cert))
	}
	return opts, nil
}

func WithStatsHandler(tp trace.TracerProvider) grpc.ServerOption {
	return grpc.StatsHandler(
		otelgrpc.NewServerHandler(
			otelgrpc.WithTracerProvider(tp),
		),
	)
}

func recoverPanic(p any) error {
	zap.L().Error("gRPC handler panicked", zap.Any("panic", p))
	return status.Error(codes.Internal, "internal error")
}

// errorInterceptor maps domain errors to gRPC status codes.
func errorInterceptor(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	return resp, errutil.ToGRPCError(err)
}

func LoadCertificate(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func WithTLS(tls *tls.Certificate) grpc.ServerOption {
	return grpc.Creds(
		credentials.NewServerTLSFromCert(tls),
	)
}

func NewGRPCServer(opts []grpc.ServerOption) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, hs
}

func StartGRPCServer(lc fx.Lifecycle, lis net.Listener, srv *grpc.Server, hs *health.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
			go func() {
				zap.L().Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
				if err := srv.Serve(lis); err != nil {
					zap.L().Error("gRPC server exited", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("Stopping gRPC server")
			hs.Shutdown()
			srv.GracefulStop()
			return nil
		},
	})
}
