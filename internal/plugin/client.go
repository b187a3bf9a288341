package plugin

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/opentalon/atlas/internal/capability"
	wire "github.com/opentalon/atlas/pkg/plugin"
)

// Client talks to a capability host over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	target string
}

// Dial creates a client for target ("host:port"). Without options the
// connection is plaintext.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(wire.MaxMessageSize)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial capability host %s: %w", target, err)
	}
	return &Client{conn: conn, target: target}, nil
}

func (c *Client) Target() string { return c.target }

// Describe fetches the host's capability list.
func (c *Client) Describe(ctx context.Context) ([]capability.Descriptor, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, wire.DescribeMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("describe %s: %w", c.target, err)
	}
	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", c.target, err)
	}
	var msg wire.CapabilitiesMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("describe %s: %w", c.target, err)
	}
	descs := make([]capability.Descriptor, len(msg.Capabilities))
	for i, m := range msg.Capabilities {
		descs[i] = capability.DescriptorFromMsg(m)
	}
	return descs, nil
}

// Invoke calls the capability named by req on the host.
func (c *Client) Invoke(ctx context.Context, req capability.Request) capability.Response {
	return c.call(ctx, req.Name(), req)
}

// Invoker returns an invoker that calls tool on the host regardless of the
// locally registered name.
func (c *Client) Invoker(tool string) capability.Invoker {
	return capability.InvokerFunc(func(ctx context.Context, req capability.Request) capability.Response {
		name := tool
		if name == "" {
			name = req.Name()
		}
		return c.call(ctx, name, req)
	})
}

func (c *Client) call(ctx context.Context, tool string, req capability.Request) capability.Response {
	args, err := capability.Normalize(req.Arguments())
	if err != nil {
		return capability.Failure(capability.KindValidation, fmt.Sprintf("arguments for %s are not serializable: %v", req.Name(), err))
	}
	in, err := structpb.NewStruct(map[string]any{
		"tool":       tool,
		"arguments":  args,
		"session_id": req.SessionID(),
	})
	if err != nil {
		return capability.Failure(capability.KindValidation, fmt.Sprintf("arguments for %s: %v", req.Name(), err))
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, wire.InvokeMethod, in, out); err != nil {
		return statusFailure(req.Name(), err)
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s: %v", req.Name(), err))
	}
	env, err := wire.DecodeEnvelope(raw)
	if err != nil {
		return capability.Failure(capability.KindTransport,
			fmt.Sprintf("transport error: %s returned a malformed response: %v", req.Name(), err))
	}
	return capability.FromEnvelope(env)
}

func statusFailure(name string, err error) capability.Response {
	switch status.Code(err) {
	case codes.Canceled:
		return capability.Failure(capability.KindCancelled, fmt.Sprintf("%s cancelled", name))
	case codes.DeadlineExceeded:
		return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s timed out", name))
	case codes.Unavailable:
		return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s unreachable: %s", name, status.Convert(err).Message()))
	default:
		return capability.Failure(capability.KindTransport, fmt.Sprintf("transport error: %s: %s", name, status.Convert(err).Message()))
	}
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
