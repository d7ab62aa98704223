package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"marketcore.org/internal/auth"
	"marketcore.org/internal/domain"
)

const bufSize = 1024 * 1024

type stubSweeper struct {
	released []domain.Transaction
	err      error
	calls    int
}

func (s *stubSweeper) ReleaseCleared(context.Context) ([]domain.Transaction, error) {
	s.calls++
	return s.released, s.err
}

func startBufGRPC(t *testing.T, srv SettlementServer, opts ...grpc.ServerOption) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(opts...)
	Register(server, srv)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func TestReleaseClearedAndHealth(t *testing.T) {
	sweeper := &stubSweeper{released: make([]domain.Transaction, 3)}
	conn, cleanup := startBufGRPC(t, NewServer(sweeper))
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := &Client{conn: conn}
	n, err := client.ReleaseCleared(ctx)
	if err != nil {
		t.Fatalf("ReleaseCleared error: %v", err)
	}
	if n != 3 || sweeper.calls != 1 {
		t.Fatalf("unexpected result: n=%d calls=%d", n, sweeper.calls)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestReleaseClearedFailure(t *testing.T) {
	conn, cleanup := startBufGRPC(t, NewServer(&stubSweeper{err: errors.New("db gone")}))
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := (&Client{conn: conn}).ReleaseCleared(ctx)
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Internal {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPartialSweepStillReportsReleased(t *testing.T) {
	sweeper := &stubSweeper{released: make([]domain.Transaction, 2), err: errors.New("one row failed")}
	conn, cleanup := startBufGRPC(t, NewServer(sweeper))
	defer cleanup()

	n, err := (&Client{conn: conn}).ReleaseCleared(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("expected 2 released, got %d (%v)", n, err)
	}
}

func TestAuthInterceptor(t *testing.T) {
	v, err := auth.NewVerifier("rpc-secret")
	if err != nil {
		t.Fatal(err)
	}
	conn, cleanup := startBufGRPC(t, NewServer(&stubSweeper{}), grpc.UnaryInterceptor(AuthInterceptor(v)))
	defer cleanup()
	ctx := context.Background()

	if _, err := (&Client{conn: conn}).ReleaseCleared(ctx); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected anonymous call to be refused, got %v", err)
	}

	userToken, _ := v.GenerateToken("user-1", nil, time.Minute)
	if _, err := (&Client{conn: conn, token: userToken}).ReleaseCleared(ctx); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected user token to be refused, got %v", err)
	}

	sysToken, _ := v.GenerateToken("scheduler", []string{auth.RoleSystem}, time.Minute)
	if _, err := (&Client{conn: conn, token: sysToken}).ReleaseCleared(ctx); err != nil {
		t.Fatalf("system token refused: %v", err)
	}

	if _, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}); err != nil {
		t.Fatalf("health must not require auth: %v", err)
	}
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"not found", status.Error(codes.NotFound, "x"), domain.ErrNotFound},
		{"state", status.Error(codes.FailedPrecondition, "x"), domain.ErrInvalidTransactionState},
		{"denied", status.Error(codes.PermissionDenied, "x"), domain.ErrForbidden},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := mapError(tc.err); !errors.Is(got, tc.want) {
				t.Fatalf("mapError() = %v, want %v", got, tc.want)
			}
		})
	}
	if got := mapError(status.Error(codes.Internal, "internal")); status.Code(got) != codes.Internal {
		t.Fatalf("unmapped codes must pass through, got %v", got)
	}
}
