package grpc

import (
	"context"
	"net"
	"time"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/metrics"
	"github.com/Hyuk0816/machine-anomoly-msa-prj/internal/service"
)

// IngestService is the health service name reported next to the overall status.
const IngestService = "anomaly.ingest"

type HealthReporter interface {
	Health(ctx context.Context) service.HealthReport
}

// GRPCServer exposes the standard gRPC health protocol. Statuses follow the detection
// service health report and are refreshed by Watch.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	reporter HealthReporter
	logger   *zap.Logger
}

func NewGRPCServer(reporter HealthReporter, logger *zap.Logger) *GRPCServer {
	loggingOpts := []logging.Option{logging.WithLogOnEvents(logging.FinishCall)}

	unary := grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(interceptorLogger(logger), loggingOpts...),
		grpc_prometheus.UnaryServerInterceptor,
		unaryMetricsInterceptor(),
	)
	// health Watch is a server stream
	stream := grpc.ChainStreamInterceptor(
		logging.StreamServerInterceptor(interceptorLogger(logger), loggingOpts...),
		grpc_prometheus.StreamServerInterceptor,
	)

	s := &GRPCServer{
		server:   grpc.NewServer(unary, stream),
		health:   health.NewServer(),
		reporter: reporter,
		logger:   logger,
	}

	// nothing serves until the first report arrives
	s.setStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.setStatus(IngestService, healthpb.HealthCheckResponse_NOT_SERVING)

	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	grpc_prometheus.Register(s.server)
	grpc_prometheus.EnableHandlingTimeHistogram()

	return s
}

func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.logger.Info("[GRPCServer] Starting gRPC server", zap.String("addr", addr))
	return s.Serve(lis)
}

func (s *GRPCServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Refresh pulls one health report and publishes it. The overall status tracks whether the
// process can serve at all; the ingest status additionally needs the outbox database.
func (s *GRPCServer) Refresh(ctx context.Context) service.HealthReport {
	report := s.reporter.Health(ctx)

	overall := healthpb.HealthCheckResponse_NOT_SERVING
	if report.Serving() {
		overall = healthpb.HealthCheckResponse_SERVING
	}
	ingest := healthpb.HealthCheckResponse_NOT_SERVING
	if report.PredictorReady && report.Database == "up" {
		ingest = healthpb.HealthCheckResponse_SERVING
	}

	s.setStatus("", overall)
	s.setStatus(IngestService, ingest)
	return report
}

// Watch refreshes the health statuses every interval until ctx is done.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		report := s.Refresh(checkCtx)
		cancel()
		s.logger.Debug("[GRPCServer] Health refreshed", zap.String("status", report.Status))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *GRPCServer) setStatus(svc string, st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus(svc, st)

	name := svc
	if name == "" {
		name = "overall"
	}
	v := 0.0
	if st == healthpb.HealthCheckResponse_SERVING {
		v = 1
	}
	metrics.ServingStatus.WithLabelValues(name).Set(v)
}

func (s *GRPCServer) Shutdown(ctx context.Context) error {
	s.logger.Info("[GRPCServer] Shutting down gRPC server")

	// watchers see NOT_SERVING before the connection goes away
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.server.Stop()
		return ctx.Err()
	}
}

func unaryMetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		start := time.Now()

		resp, err := handler(ctx, req)

		code := codes.OK
		if err != nil {
			code = codes.Unknown
			if st, ok := status.FromError(err); ok {
				code = st.Code()
			}
		}

		metrics.GRPCRequests.WithLabelValues(info.FullMethod, code.String()).Inc()
		metrics.GRPCRequestDuration.WithLabelValues(info.FullMethod, code.String()).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// interceptorLogger adapts zap to the middleware logging interface.
func interceptorLogger(l *zap.Logger) logging.Logger {
	return logging.LoggerFunc(func(_ context.Context, lvl logging.Level, msg string, fields ...any) {
		f := make([]zap.Field, 0, len(fields)/2)
		for i := 0; i+1 < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			f = append(f, zap.Any(key, fields[i+1]))
		}
		logger := l.WithOptions(zap.AddCallerSkip(1)).With(f...)

		switch lvl {
		case logging.LevelDebug:
			logger.Debug(msg)
		case logging.LevelWarn:
			logger.Warn(msg)
		case logging.LevelError:
			logger.Error(msg)
		default:
			logger.Info(msg)
		}
	})
}
