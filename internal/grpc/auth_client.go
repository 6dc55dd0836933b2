package grpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"conversation-service/internal/auth"
	"conversation-service/internal/observability"
)

const validateTokenMethod = "/auth.AuthService/ValidateToken"

// Dial opens an instrumented client connection to the auth-service.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(observability.GRPCClientMetricsUnaryInterceptor()),
	)
}

// AuthClient validates tokens against the auth-service. Messages travel as
// structpb.Struct so no generated stubs are needed.
type AuthClient struct {
	conn grpc.ClientConnInterface
}

// NewAuthClient constructs the wrapper.
func NewAuthClient(conn grpc.ClientConnInterface) *AuthClient {
	return &AuthClient{conn: conn}
}

// Authenticate verifies the token and returns the caller's identity.
func (a *AuthClient) Authenticate(ctx context.Context, token string) (auth.Identity, error) {
	req, err := structpb.NewStruct(map[string]interface{}{"token": token})
	if err != nil {
		return auth.Identity{}, err
	}
	resp := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, validateTokenMethod, req, resp); err != nil {
		return auth.Identity{}, fmt.Errorf("validate token: %w", err)
	}

	fields := resp.GetFields()
	if !fields["valid"].GetBoolValue() {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	userID := int64(fields["user_id"].GetNumberValue())
	if userID == 0 {
		return auth.Identity{}, auth.ErrInvalidToken
	}

	var perms []string
	for _, v := range fields["permissions"].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			perms = append(perms, s)
		}
	}
	return auth.Identity{UserID: userID, Permissions: perms}, nil
}
