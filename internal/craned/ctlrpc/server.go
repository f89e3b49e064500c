package ctlrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// AgentServer is implemented by the compute-node agent to answer every
// controller-initiated verb of §6 except TaskStatusChange, which flows the
// other way (see Client in client.go).
type AgentServer interface {
	Configure(ctx context.Context, req *ConfigureRequest) (*ConfigureReply, error)
	ExecuteTask(ctx context.Context, req *ExecuteTaskRequest) (*ExecuteTaskReply, error)
	TerminateTasks(ctx context.Context, req *TerminateTasksRequest) (*Ack, error)
	TerminateOrphanedTask(ctx context.Context, req *TerminateOrphanedTaskRequest) (*Ack, error)
	CreateCgroupForTasks(ctx context.Context, req *CreateCgroupForTasksRequest) (*CreateCgroupForTasksReply, error)
	ReleaseCgroupForTasks(ctx context.Context, req *ReleaseCgroupForTasksRequest) (*Ack, error)
	ChangeTaskTimeLimit(ctx context.Context, req *ChangeTaskTimeLimitRequest) (*Ack, error)
	QueryTaskIdFromPort(ctx context.Context, req *QueryTaskIdFromPortRequest) (*QueryTaskIdFromPortReply, error)
	QueryTaskEnvVariables(ctx context.Context, req *QueryTaskEnvVariablesRequest) (*QueryTaskEnvVariablesReply, error)
	MigrateSshProcToCgroup(ctx context.Context, req *MigrateSshProcToCgroupRequest) (*Ack, error)
}

const serviceName = "craned.ControllerService"

// RegisterAgentServer wires impl's methods into a *grpc.Server behind a
// hand-built ServiceDesc: no generated .pb.go survives retrieval for this
// service, so each method is dispatched by name against the JSON codec
// registered above. QueryTaskIdFromPortForward and
// QueryTaskEnvVariablesForward share their non-forwarding counterparts'
// wire shape at this layer; forwarding to a remote node, if ever needed,
// belongs above this RPC boundary, not inside the codec.
func RegisterAgentServer(s *grpc.Server, impl AgentServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*AgentServer)(nil),
		Methods: []grpc.MethodDesc{
			unaryMethod("Configure", func() interface{} { return new(ConfigureRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).Configure(ctx, req.(*ConfigureRequest))
				}),
			unaryMethod("ExecuteTask", func() interface{} { return new(ExecuteTaskRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).ExecuteTask(ctx, req.(*ExecuteTaskRequest))
				}),
			unaryMethod("TerminateTasks", func() interface{} { return new(TerminateTasksRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).TerminateTasks(ctx, req.(*TerminateTasksRequest))
				}),
			unaryMethod("TerminateOrphanedTask", func() interface{} { return new(TerminateOrphanedTaskRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).TerminateOrphanedTask(ctx, req.(*TerminateOrphanedTaskRequest))
				}),
			unaryMethod("CreateCgroupForTasks", func() interface{} { return new(CreateCgroupForTasksRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).CreateCgroupForTasks(ctx, req.(*CreateCgroupForTasksRequest))
				}),
			unaryMethod("ReleaseCgroupForTasks", func() interface{} { return new(ReleaseCgroupForTasksRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).ReleaseCgroupForTasks(ctx, req.(*ReleaseCgroupForTasksRequest))
				}),
			unaryMethod("ChangeTaskTimeLimit", func() interface{} { return new(ChangeTaskTimeLimitRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).ChangeTaskTimeLimit(ctx, req.(*ChangeTaskTimeLimitRequest))
				}),
			unaryMethod("QueryTaskIdFromPort", func() interface{} { return new(QueryTaskIdFromPortRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).QueryTaskIdFromPort(ctx, req.(*QueryTaskIdFromPortRequest))
				}),
			unaryMethod("QueryTaskEnvVariables", func() interface{} { return new(QueryTaskEnvVariablesRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).QueryTaskEnvVariables(ctx, req.(*QueryTaskEnvVariablesRequest))
				}),
			unaryMethod("MigrateSshProcToCgroup", func() interface{} { return new(MigrateSshProcToCgroupRequest) },
				func(ctx context.Context, srv, req interface{}) (interface{}, error) {
					return srv.(AgentServer).MigrateSshProcToCgroup(ctx, req.(*MigrateSshProcToCgroupRequest))
				}),
		},
		Metadata: "craned/ctlrpc.proto",
	}, impl)
}

// unaryMethod builds a grpc.MethodDesc in the same shape protoc-gen-go
// emits: decode into a fresh request, then either call directly or run
// through the interceptor chain.
func unaryMethod(name string, newReq func() interface{}, call func(ctx context.Context, srv, req interface{}) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(ctx, srv, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(ctx, srv, req)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
