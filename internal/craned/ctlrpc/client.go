package ctlrpc

import (
	"context"

	"google.golang.org/grpc"
)

// ControllerClient is the agent's stub for the one verb that flows agent ->
// controller: TaskStatusChange.
type ControllerClient struct {
	cc *grpc.ClientConn
}

// Dial connects to the controller at target using the JSON codec
// registered in server.go.
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*ControllerClient, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")))
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &ControllerClient{cc: cc}, nil
}

// Close tears down the underlying connection.
func (c *ControllerClient) Close() error {
	return c.cc.Close()
}

// TaskStatusChange reports a job's terminal (or intermediate) status
// upstream, matching AgentServer's method set but flowing the other way.
func (c *ControllerClient) TaskStatusChange(ctx context.Context, req *TaskStatusChangeRequest) (*Ack, error) {
	reply := new(Ack)
	err := c.cc.Invoke(ctx, "/"+serviceName+"/TaskStatusChange", req, reply)
	return reply, err
}
