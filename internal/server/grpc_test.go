package server_test

import (
	"PortfolioFederation/internal/observability"
	"PortfolioFederation/internal/server"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	health := observability.NewHealthChecker()
	srv := server.NewGRPCServer("", health, observability.NopLogger())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	status := func() healthpb.HealthCheckResponse_ServingStatus {
		callCtx, callCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer callCancel()
		resp, err := client.Check(callCtx, &healthpb.HealthCheckRequest{})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status())
	health.SetReady(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, status())
	health.SetReady(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status())
}
