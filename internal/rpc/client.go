package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"marketcore.org/internal/domain"
)

// Client calls marketcore.v1.Settlement.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(target, token string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, token: token}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// ReleaseCleared asks the server to run one settlement sweep.
func (c *Client) ReleaseCleared(ctx context.Context) (int64, error) {
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	out := new(wrapperspb.Int64Value)
	if err := c.conn.Invoke(ctx, releaseClearedMethod, &emptypb.Empty{}, out); err != nil {
		return 0, mapError(err)
	}
	return out.GetValue(), nil
}

// mapError turns well-known status codes back into domain errors.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return domain.ErrNotFound
	case codes.FailedPrecondition:
		return domain.ErrInvalidTransactionState
	case codes.PermissionDenied, codes.Unauthenticated:
		return domain.ErrForbidden
	}
	return err
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
