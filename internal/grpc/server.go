package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/etl"
	middleware "github.com/tejusbharadwaj/posterflow/internal/grpc/middlewares"
	"github.com/tejusbharadwaj/posterflow/internal/report"
)

// ServerConfig holds configuration options for the gRPC server
type ServerConfig struct {
	CacheSize      int     // Size of the Report response cache
	RateLimit      float64 // Requests per second
	RateLimitBurst int     // Maximum burst size for rate limiting
}

// DefaultServerConfig returns a ServerConfig with sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		CacheSize:      256,
		RateLimit:      5.0,
		RateLimitBurst: 10,
	}
}

// Syncer runs syncs on demand. *etl.Syncer implements it.
type Syncer interface {
	Run(ctx context.Context, window api.Window, entities []string) (*etl.Run, error)
	Entities() []string
}

// AnalyticsService serves syncs and reports over gRPC.
type AnalyticsService struct {
	syncer    Syncer
	runs      *etl.RunStore
	reports   *report.Builder
	sink      database.Sink
	validator *RequestValidator
	loc       *time.Location
	now       func() time.Time
}

func NewAnalyticsService(syncer Syncer, runs *etl.RunStore, reports *report.Builder, sink database.Sink, loc *time.Location) *AnalyticsService {
	if loc == nil {
		loc = time.UTC
	}
	return &AnalyticsService{
		syncer:    syncer,
		runs:      runs,
		reports:   reports,
		sink:      sink,
		validator: NewRequestValidator(syncer.Entities(), loc),
		loc:       loc,
		now:       time.Now,
	}
}

// Sync runs a sync for {from, to, entities}. Without dates it syncs today.
func (s *AnalyticsService) Sync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	from, to, err := dateFields(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	window, err := s.validator.Window(from, to)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if window.IsZero() {
		window = etl.LastDays(s.now().In(s.loc), 1)
	}

	entities, err := listField(req, "entities")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.validator.Entities(entities); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	run, err := s.syncer.Run(ctx, window, entities)
	if errors.Is(err, etl.ErrUnknownEntity) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "sync failed: %v", err)
	}

	return toStruct(struct {
		*etl.Run
		OK bool `json:"ok"`
	}{run, run.OK()})
}

// Report answers {run_id, top_n} from a stored run, or {from, to, top_n}
// from the sink. With neither it reports on the latest run.
func (s *AnalyticsService) Report(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	topN, err := intField(req, "top_n")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.validator.TopN(topN); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	runID, err := stringField(req, "run_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	from, to, err := dateFields(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	window, err := s.validator.Window(from, to)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	var rep *report.Report
	switch {
	case runID != "":
		run, ok := s.runs.Get(runID)
		if !ok {
			return nil, status.Errorf(codes.NotFound, "unknown run %q", runID)
		}
		rep = s.reports.Build(run, topN)
	case !window.IsZero():
		rep, err = s.reports.FromSink(ctx, s.sink, window, topN)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "report failed: %v", err)
		}
	default:
		run, ok := s.runs.Latest()
		if !ok {
			return nil, status.Error(codes.NotFound, "no sync has run yet")
		}
		rep = s.reports.Build(run, topN)
	}

	return toStruct(rep)
}

// Server bundles the gRPC server with its health and cache handles.
type Server struct {
	GRPC   *grpc.Server
	Health *HealthChecker
	Cache  *middleware.Cache
}

// SetupServer initializes and configures the gRPC server with all middleware
func SetupServer(svc AnalyticsServer, config ServerConfig, logger *logrus.Logger, reg prometheus.Registerer) (*Server, error) {
	cache, err := middleware.NewCache(config.CacheSize, ReportMethod)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	cache.InvalidateOn(SyncMethod)

	if config.RateLimit <= 0 {
		config.RateLimit = DefaultServerConfig().RateLimit
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = DefaultServerConfig().RateLimitBurst
	}
	metrics := middleware.NewMetrics(reg)

	srv := grpc.NewServer(
		grpc.UnaryInterceptor(
			chainUnaryInterceptors(
				middleware.RequestID(), // Add request ID first
				middleware.RateLimit(rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimitBurst)),
				middleware.Logging(logger),
				metrics.Interceptor(),
				cache.Interceptor(), // Cache last to avoid caching errors
			),
		),
	)
	RegisterAnalyticsServer(srv, svc)

	health := NewHealthChecker()
	grpc_health_v1.RegisterHealthServer(srv, health)
	health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	health.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{GRPC: srv, Health: health, Cache: cache}, nil
}

// GracefulStop reports NOT_SERVING, then drains in-flight calls.
func (s *Server) GracefulStop() {
	s.Health.Shutdown()
	s.GRPC.GracefulStop()
}

// chainUnaryInterceptors creates a single interceptor from multiple interceptors
func chainUnaryInterceptors(interceptors ...grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chain := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			interceptor := interceptors[i]
			next := chain
			chain = func(currentCtx context.Context, currentReq interface{}) (interface{}, error) {
				return interceptor(currentCtx, currentReq, info, next)
			}
		}
		return chain(ctx, req)
	}
}

// toStruct converts v to a Struct through its JSON form.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func dateFields(req *structpb.Struct) (string, string, error) {
	from, err := stringField(req, "from")
	if err != nil {
		return "", "", err
	}
	to, err := stringField(req, "to")
	if err != nil {
		return "", "", err
	}
	return from, to, nil
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return "", nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return "", nil
	}
	sv, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return "", fmt.Errorf("%s must be a string", name)
	}
	return sv.StringValue, nil
}

func intField(req *structpb.Struct, name string) (int, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return 0, nil
	}
	nv, isNumber := v.GetKind().(*structpb.Value_NumberValue)
	if !isNumber || nv.NumberValue != float64(int(nv.NumberValue)) {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return int(nv.NumberValue), nil
}

func listField(req *structpb.Struct, name string) ([]string, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	lv, isList := v.GetKind().(*structpb.Value_ListValue)
	if !isList {
		return nil, fmt.Errorf("%s must be a list of strings", name)
	}
	out := make([]string, 0, len(lv.ListValue.GetValues()))
	for _, item := range lv.ListValue.GetValues() {
		sv, isString := item.GetKind().(*structpb.Value_StringValue)
		if !isString {
			return nil, fmt.Errorf("%s must be a list of strings", name)
		}
		out = append(out, sv.StringValue)
	}
	return out, nil
}
