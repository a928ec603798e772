// ABOUTME: gRPC interceptors attaching the caller identity to handler contexts
// ABOUTME: Reads authorization and x-agent-id metadata

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func identifyIncoming(ctx context.Context, ident *Identifier, logger *slog.Logger) (*Identity, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	id, err := ident.Identify(first(md, "authorization"), first(md, strings.ToLower(AgentHeader)))
	if err != nil {
		attrs := []any{"reason", err.Error()}
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			attrs = append(attrs, "peer_addr", p.Addr.String())
		}
		logger.Warn("auth failure", attrs...)
		return nil, status.Error(codes.Unauthenticated, "invalid credentials")
	}
	return id, nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// UnaryInterceptor resolves the caller identity for unary calls.
func UnaryInterceptor(ident *Identifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id, err := identifyIncoming(ctx, ident, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor resolves the caller identity for streaming calls.
func StreamInterceptor(ident *Identifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id, err := identifyIncoming(ss.Context(), ident, logger)
		if err != nil {
			return err
		}
		return handler(srv, &identityStream{ServerStream: ss, ctx: WithIdentity(ss.Context(), id)})
	}
}

// identityStream overrides Context on a server stream.
type identityStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *identityStream) Context() context.Context {
	return s.ctx
}
