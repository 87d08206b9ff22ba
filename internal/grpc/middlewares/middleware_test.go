package middleware

import (
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var reportInfo = &grpc.UnaryServerInfo{FullMethod: "/posterflow.v1.AnalyticsService/Report"}

func TestRequestID(t *testing.T) {
	var seen string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = RequestIDFrom(ctx)
		return nil, nil
	}

	_, err := RequestID()(context.Background(), nil, reportInfo, handler)
	require.NoError(t, err)
	assert.Len(t, seen, 36)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "abc-123"))
	_, err = RequestID()(ctx, nil, reportInfo, handler)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", seen)
}

func TestRateLimit(t *testing.T) {
	intercept := RateLimit(rate.NewLimiter(rate.Limit(0.001), 2))
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }

	for i := 0; i < 2; i++ {
		resp, err := intercept(context.Background(), nil, reportInfo, handler)
		require.NoError(t, err)
		assert.Equal(t, "ok", resp)
	}

	_, err := intercept(context.Background(), nil, reportInfo, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	ctx := WithRequestID(context.Background(), "req-1")
	_, err := Logging(logger)(ctx, nil, reportInfo, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown run")
	})

	assert.Equal(t, codes.NotFound, status.Code(err))
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)
	assert.Contains(t, buf.String(), `"code":"NotFound"`)
	assert.Contains(t, buf.String(), `"level":"warning"`)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	intercept := m.Interceptor()

	ok := func(ctx context.Context, req interface{}) (interface{}, error) { return nil, nil }
	bad := func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "bad")
	}
	intercept(context.Background(), nil, reportInfo, ok)
	intercept(context.Background(), nil, reportInfo, ok)
	intercept(context.Background(), nil, reportInfo, bad)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Requests.WithLabelValues("Report", "OK")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Requests.WithLabelValues("Report", "InvalidArgument")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.Latency))
}
