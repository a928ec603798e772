// ABOUTME: Coordinator gRPC service over google.protobuf.Struct messages
// ABOUTME: Hand-written service descriptor, server implementation and a thin client

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/coven-courier/internal/auth"
	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/events"
	"github.com/2389/coven-courier/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "coven.courier.v1.Coordinator"

// CoordinatorServer is the server API for the Coordinator service. Every
// message is a Struct carrying the same JSON fields as the HTTP API.
type CoordinatorServer interface {
	Assign(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAssigned(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Claim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Complete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompleteDirect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Fail(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RPC(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAgents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Events(*structpb.Struct, grpc.ServerStream) error
}

type unaryCall func(CoordinatorServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// coordinatorServiceDesc describes the Coordinator service for grpc.Server.
var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("Assign", CoordinatorServer.Assign),
		unaryHandler("ListPending", CoordinatorServer.ListPending),
		unaryHandler("ListAssigned", CoordinatorServer.ListAssigned),
		unaryHandler("Get", CoordinatorServer.Get),
		unaryHandler("Claim", CoordinatorServer.Claim),
		unaryHandler("Complete", CoordinatorServer.Complete),
		unaryHandler("CompleteDirect", CoordinatorServer.CompleteDirect),
		unaryHandler("Fail", CoordinatorServer.Fail),
		unaryHandler("RPC", CoordinatorServer.RPC),
		unaryHandler("ListAgents", CoordinatorServer.ListAgents),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(CoordinatorServer).Events(in, stream)
			},
		},
	},
	Metadata: "coven/courier/v1/coordinator",
}

// RegisterCoordinatorServer registers srv on s.
func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&coordinatorServiceDesc, srv)
}

// coordinatorServer adapts the Coordinator to CoordinatorServer.
type coordinatorServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func newCoordinatorServer(gw *Gateway) *coordinatorServer {
	return &coordinatorServer{gateway: gw, logger: gw.logger.With("transport", "grpc")}
}

func (s *coordinatorServer) coord() *coordinator.Coordinator {
	return s.gateway.coordinator
}

func (s *coordinatorServer) Assign(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AssignTaskRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	view, err := s.coord().Assign(ctx, auth.AgentID(ctx), coordinator.AssignRequest{
		Assignee:         req.Assignee,
		TaskType:         req.TaskType,
		Payload:          req.Payload,
		ExpiresInSeconds: req.ExpiresInSeconds,
	})
	return s.reply(view, err)
}

type agentQuery struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit"`
}

func (s *coordinatorServer) ListPending(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var q agentQuery
	if err := fromStruct(in, &q); err != nil {
		return nil, err
	}
	agentID, err := resolveSubject(auth.FromContext(ctx), q.AgentID)
	if err != nil {
		return nil, grpcError(err)
	}
	tasks, err := s.coord().ListPending(ctx, agentID)
	return s.reply(map[string]any{"tasks": tasks}, err)
}

func (s *coordinatorServer) ListAssigned(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var q agentQuery
	if err := fromStruct(in, &q); err != nil {
		return nil, err
	}
	tasks, err := s.coord().ListAssigned(ctx, auth.AgentID(ctx), q.Limit)
	return s.reply(map[string]any{"tasks": tasks}, err)
}

type taskRef struct {
	TaskID string          `json:"task_id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (s *coordinatorServer) ref(in *structpb.Struct) (taskRef, error) {
	var ref taskRef
	if err := fromStruct(in, &ref); err != nil {
		return ref, err
	}
	if ref.TaskID == "" {
		return ref, status.Error(codes.InvalidArgument, "task_id is required")
	}
	return ref, nil
}

func (s *coordinatorServer) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := s.ref(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.coord().Get(ctx, ref.TaskID))
}

func (s *coordinatorServer) Claim(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := s.ref(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.coord().Claim(ctx, ref.TaskID))
}

func (s *coordinatorServer) Complete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := s.ref(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.coord().Complete(ctx, ref.TaskID, ref.Result))
}

func (s *coordinatorServer) CompleteDirect(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := s.ref(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.coord().CompleteDirect(ctx, ref.TaskID, ref.Result))
}

func (s *coordinatorServer) Fail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := s.ref(in)
	if err != nil {
		return nil, err
	}
	return s.reply(s.coord().Fail(ctx, ref.TaskID, ref.Error))
}

// RPC blocks like its HTTP counterpart. A canceled call returns Canceled.
func (s *coordinatorServer) RPC(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RPCRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	result, err := s.coord().RPC(ctx, auth.AgentID(ctx), coordinator.RPCRequest{
		Target:         req.Target,
		Task:           req.Task,
		Payload:        req.Payload,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	return s.reply(result, err)
}

func (s *coordinatorServer) ListAgents(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	agents, err := s.gateway.store.ListAgents(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	registry := s.coord().Registry()
	out := make([]AgentResponse, 0, len(agents))
	for _, a := range agents {
		out = append(out, AgentResponse{
			ID:          a.ID,
			Name:        a.Name,
			Address:     a.Address,
			Connections: registry.ConnectionCount(a.ID),
			CreatedAt:   a.CreatedAt,
		})
	}
	return s.reply(map[string]any{"agents": out}, nil)
}

// Events streams {"type": ..., "data": ...} messages for the requested agent.
func (s *coordinatorServer) Events(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx := stream.Context()
	var q agentQuery
	if err := fromStruct(in, &q); err != nil {
		return err
	}
	agentID, err := resolveSubject(auth.FromContext(ctx), q.AgentID)
	if err != nil {
		return grpcError(err)
	}

	sink := events.SinkFunc(func(ev events.Event) error {
		msg, err := toStruct(map[string]any{"type": ev.Type, "data": ev.Data})
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})
	if err := s.coord().ConnectEvents(ctx, agentID, sink); err != nil {
		return grpcError(err)
	}
	return nil
}

// reply converts a coordinator result to a Struct, or maps its error.
func (s *coordinatorServer) reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.Is(err, coordinator.ErrDisconnected) {
			return nil, status.Error(codes.Canceled, err.Error())
		}
		gerr := grpcError(err)
		if status.Code(gerr) == codes.Internal {
			s.logger.Error("request failed", "error", err)
		}
		return nil, gerr
	}
	out, err := toStruct(v)
	if err != nil {
		s.logger.Error("encoding response", "error", err)
		return nil, status.Error(codes.Internal, "encoding response")
	}
	return out, nil
}

// grpcError maps service errors onto gRPC status codes.
func grpcError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, coordinator.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errForbidden):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, coordinator.ErrNotClaimable),
		errors.Is(err, store.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrDuplicateAgent):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, events.ErrTooManyConnections):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, events.ErrClosed),
		errors.Is(err, coordinator.ErrShuttingDown):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// toStruct round-trips v through JSON so Struct fields match the HTTP API.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Error(codes.InvalidArgument, fmt.Sprintf("invalid request: %v", err))
	}
	return nil
}

// CoordinatorClient calls the Coordinator service.
type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

// NewCoordinatorClient wraps a client connection.
func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

// Call invokes a unary method by name.
func (c *CoordinatorClient) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// EventStream receives events from the Events method.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv returns the next event's type and data.
func (s *EventStream) Recv() (string, map[string]any, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return "", nil, err
	}
	m := msg.AsMap()
	typ, _ := m["type"].(string)
	data, _ := m["data"].(map[string]any)
	return typ, data, nil
}

// Events opens an event stream for agentID (empty for the caller).
func (c *CoordinatorClient) Events(ctx context.Context, agentID string, opts ...grpc.CallOption) (*EventStream, error) {
	stream, err := c.cc.NewStream(ctx, &coordinatorServiceDesc.Streams[0], "/"+ServiceName+"/Events", opts...)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(map[string]any{"agent_id": agentID})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
