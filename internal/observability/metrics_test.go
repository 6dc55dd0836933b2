package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitFullMethod(t *testing.T) {
	service, method := splitFullMethod("/auth.AuthService/ValidateToken")
	assert.Equal(t, "auth.AuthService", service)
	assert.Equal(t, "ValidateToken", method)

	service, method = splitFullMethod("broken")
	assert.Equal(t, "unknown", service)
	assert.Equal(t, "unknown", method)
}

func TestHeadersFromContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-9")
	assert.Equal(t, map[string]string{"x-request-id": "req-9"}, HeadersFromContext(ctx))
	assert.Empty(t, HeadersFromContext(context.Background()))
}
