// ABOUTME: Caller identity resolution shared by the HTTP and gRPC transports
// ABOUTME: Bearer JWT when a secret is configured, else a trusted agent header

package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/2389/coven-courier/internal/store"
)

// AgentHeader names the header (and gRPC metadata key) trusted when no
// token secret is configured.
const AgentHeader = "X-Agent-ID"

// How an identity was established.
const (
	MethodToken     = "token"
	MethodHeader    = "header"
	MethodAnonymous = "anonymous"
)

// Identity is the caller behind a request.
type Identity struct {
	AgentID string
	Method  string
}

// Anonymous reports whether the caller has no agent identity.
func (i *Identity) Anonymous() bool {
	return i == nil || i.Method == MethodAnonymous
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity on ctx, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// AgentID returns the caller's agent ID, or the master sentinel when the
// caller is anonymous.
func AgentID(ctx context.Context) string {
	id := FromContext(ctx)
	if id.Anonymous() || id.AgentID == "" {
		return store.MasterAssignerID
	}
	return id.AgentID
}

// Identifier resolves request credentials to an Identity.
type Identifier struct {
	tokens TokenVerifier
}

// NewIdentifier creates an Identifier. With a nil verifier the agent header
// is trusted as-is; otherwise only bearer tokens establish identity.
func NewIdentifier(tokens TokenVerifier) *Identifier {
	return &Identifier{tokens: tokens}
}

// TokensRequired reports whether identity comes from tokens.
func (i *Identifier) TokensRequired() bool {
	return i.tokens != nil
}

// Identify resolves an Authorization value and agent header value. A
// missing credential yields the anonymous identity; a bad one is an error.
func (i *Identifier) Identify(authorization, agentHeader string) (*Identity, error) {
	if i.tokens == nil {
		if agentHeader = strings.TrimSpace(agentHeader); agentHeader != "" {
			return &Identity{AgentID: agentHeader, Method: MethodHeader}, nil
		}
		return &Identity{Method: MethodAnonymous}, nil
	}

	if authorization == "" {
		return &Identity{Method: MethodAnonymous}, nil
	}
	token, err := bearerToken(authorization)
	if err != nil {
		return nil, err
	}
	agentID, err := i.tokens.Verify(token)
	if err != nil {
		return nil, err
	}
	return &Identity{AgentID: agentID, Method: MethodToken}, nil
}

func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}
