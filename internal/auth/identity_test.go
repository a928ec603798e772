// ABOUTME: Tests for identity resolution, the HTTP middleware and gRPC interceptors
// ABOUTME: Exercises header mode, token mode and anonymous fallback

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/2389/coven-courier/internal/store"
)

func TestAgentIDDefaultsToMaster(t *testing.T) {
	assert.Equal(t, store.MasterAssignerID, AgentID(context.Background()))

	ctx := WithIdentity(context.Background(), &Identity{Method: MethodAnonymous})
	assert.Equal(t, store.MasterAssignerID, AgentID(ctx))

	ctx = WithIdentity(context.Background(), &Identity{AgentID: "a1", Method: MethodHeader})
	assert.Equal(t, "a1", AgentID(ctx))
}

func TestIdentifyHeaderMode(t *testing.T) {
	ident := NewIdentifier(nil)
	assert.False(t, ident.TokensRequired())

	id, err := ident.Identify("", "  agent-7 ")
	require.NoError(t, err)
	assert.Equal(t, "agent-7", id.AgentID)
	assert.Equal(t, MethodHeader, id.Method)

	id, err = ident.Identify("Bearer whatever", "")
	require.NoError(t, err)
	assert.True(t, id.Anonymous())
}

func TestIdentifyTokenMode(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	ident := NewIdentifier(v)
	token, err := v.Generate("agent-9", time.Hour)
	require.NoError(t, err)

	id, err := ident.Identify("Bearer "+token, "spoofed")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", id.AgentID)
	assert.Equal(t, MethodToken, id.Method)

	id, err = ident.Identify("bearer "+token, "")
	require.NoError(t, err)
	assert.Equal(t, "agent-9", id.AgentID)

	// The agent header alone is not trusted when tokens are in use.
	id, err = ident.Identify("", "spoofed")
	require.NoError(t, err)
	assert.True(t, id.Anonymous())

	_, err = ident.Identify("Basic abc", "")
	assert.Error(t, err)
	_, err = ident.Identify("Bearer ", "")
	assert.Error(t, err)
	_, err = ident.Identify("Bearer bogus", "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewJWTVerifier([]byte("secret"))
	var seen string
	h := Middleware(NewIdentifier(v), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = AgentID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	token, err := v.Generate("agent-3", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "agent-3", seen)

	seen = ""
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, store.MasterAssignerID, seen)

	seen = ""
	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"invalid credentials"}`, rec.Body.String())
	assert.Empty(t, seen)
}

func TestUnaryInterceptor(t *testing.T) {
	icpt := UnaryInterceptor(NewIdentifier(nil), nil)
	handler := func(ctx context.Context, req any) (any, error) {
		return AgentID(ctx), nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-agent-id", "agent-5"))
	got, err := icpt(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/t/M"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "agent-5", got)

	got, err = icpt(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/t/M"}, handler)
	require.NoError(t, err)
	assert.Equal(t, store.MasterAssignerID, got)
}

func TestUnaryInterceptorRejectsBadToken(t *testing.T) {
	icpt := UnaryInterceptor(NewIdentifier(NewJWTVerifier([]byte("s"))), nil)
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer nope"))

	_, err := icpt(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/t/M"}, func(ctx context.Context, req any) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

type fakeServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeServerStream) Context() context.Context { return f.ctx }

func TestStreamInterceptor(t *testing.T) {
	v := NewJWTVerifier([]byte("s"))
	token, err := v.Generate("agent-8", time.Hour)
	require.NoError(t, err)

	icpt := StreamInterceptor(NewIdentifier(v), nil)
	ss := &fakeServerStream{ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))}

	var seen string
	err = icpt(nil, ss, &grpc.StreamServerInfo{FullMethod: "/t/S"}, func(srv any, stream grpc.ServerStream) error {
		seen = AgentID(stream.Context())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-8", seen)
}
