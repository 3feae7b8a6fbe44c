package api

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeStatus struct {
	mu       sync.Mutex
	status   models.SyncStatus
	listener func(models.SyncStatus)
}

func (f *fakeStatus) Status() models.SyncStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeStatus) AddStatusListener(fn func(models.SyncStatus)) func() {
	f.mu.Lock()
	f.listener = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.listener = nil
		f.mu.Unlock()
	}
}

func (f *fakeStatus) set(s models.SyncStatus) {
	f.mu.Lock()
	f.status = s
	fn := f.listener
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func startGRPC(t *testing.T, cfg config.APIConfig, source StatusSource) healthpb.HealthClient {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	logger := zerolog.New(io.Discard)
	srv := newGRPCServer(cfg, lis, source, nil, &logger)
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestHealthFollowsSyncStatus(t *testing.T) {
	source := &fakeStatus{status: models.StatusOnline}
	client := startGRPC(t, config.APIConfig{}, source)
	ctx := context.Background()

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	source.set(models.StatusOffline)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	source.set(models.StatusSyncing)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestHealthBypassesAuth(t *testing.T) {
	cfg := config.APIConfig{Auth: config.APIAuthConfig{
		Enabled: true,
		APIKeys: []config.APIClientKey{{Key: "k1"}},
	}}
	client := startGRPC(t, cfg, &fakeStatus{status: models.StatusOffline})

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestAuthInterceptor(t *testing.T) {
	cfg := config.APIConfig{Auth: config.APIAuthConfig{
		Enabled: true,
		APIKeys: []config.APIClientKey{{Key: "k1", Permissions: []string{"read:sync"}}},
	}}
	interceptor := NewAuthInterceptor(cfg, nil).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.reflection.v1.ServerReflection/ServerReflectionInfo"}
	handler := func(ctx context.Context, req any) (any, error) { return "ok", nil }

	_, err := interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "wrong"))
	_, err = interceptor(ctx, nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "k1"))
	resp, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestAuthInterceptorRateLimit(t *testing.T) {
	cfg := config.APIConfig{RateLimit: config.APIRateLimitConfig{RPS: 0.001, Burst: 1}}
	interceptor := NewAuthInterceptor(cfg, nil).Unary()
	info := &grpc.UnaryServerInfo{FullMethod: "/test/Method"}
	handler := func(ctx context.Context, req any) (any, error) { return nil, nil }
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-api-key", "k1"))

	_, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	_, err = interceptor(ctx, nil, info, handler)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
