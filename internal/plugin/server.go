package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opentalon/atlas/internal/capability"
	wire "github.com/opentalon/atlas/pkg/plugin"
)

// Host is what a capability host exposes over gRPC. *capability.Layer
// satisfies it.
type Host interface {
	Descriptors() []capability.Descriptor
	Invoke(ctx context.Context, req capability.Request) capability.Response
}

// capabilityHostServer is the handler type of the hand-written service
// descriptor; messages are structpb values so no generated code is needed.
type capabilityHostServer interface {
	Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Describe(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*capabilityHostServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Invoke", Handler: invokeHandler},
		{MethodName: "Describe", Handler: describeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "atlas/capability/v1/host.proto",
}

func invokeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(capabilityHostServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.InvokeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(capabilityHostServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(capabilityHostServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.DescribeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(capabilityHostServer).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

type hostService struct {
	host   Host
	name   string
	logger zerolog.Logger
}

// NewServer returns a gRPC server with the capability host service
// registered.
func NewServer(host Host, name string, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(wire.MaxMessageSize),
		grpc.MaxSendMsgSize(wire.MaxMessageSize),
	}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, &hostService{
		host:   host,
		name:   name,
		logger: logger.With().Str("component", "grpc-host").Logger(),
	})
	return s
}

// Serve blocks serving host on lis until the server stops.
func Serve(lis net.Listener, s *grpc.Server) error {
	if err := s.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

func (h *hostService) Invoke(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m := in.AsMap()
	tool, _ := m["tool"].(string)
	args, _ := m["arguments"].(map[string]any)
	session, _ := m["session_id"].(string)

	var resp capability.Response
	if tool == "" {
		resp = capability.Failure(capability.KindValidation, "missing tool name")
	} else {
		resp = h.host.Invoke(ctx, capability.NewRequest(tool, args, session))
	}
	h.logger.Debug().Str("tool", tool).Str("status", string(resp.Status)).Msg("served invocation")
	return envelopeStruct(resp.Envelope())
}

func (h *hostService) Describe(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	msg := wire.CapabilitiesMsg{
		Host:         h.name,
		Capabilities: capability.Describe(h.host.Descriptors()),
	}
	v, err := jsonValue(msg)
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return structpb.NewStruct(m)
}

func envelopeStruct(env wire.Envelope) (*structpb.Struct, error) {
	m := map[string]any{"status": env.Status}
	if env.Result != nil {
		v, err := jsonValue(env.Result)
		if err != nil {
			return structpb.NewStruct(map[string]any{
				"status":  wire.StatusError,
				"message": fmt.Sprintf("result is not serializable: %v", err),
			})
		}
		m["result"] = v
	}
	if env.Message != "" {
		m["message"] = env.Message
	}
	return structpb.NewStruct(m)
}

// jsonValue converts v into encoding/json generic values, which structpb
// accepts.
func jsonValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
