// Package gateway exposes job submission to processes outside the pool over
// gRPC. The service is registered by hand with well-known wrapper types, so
// no generated code is needed:
//
//	procpool.v1.JobGateway/Submit  BytesValue -> BytesValue
//
// The target group and the priority travel as request metadata.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ChuLiYu/procpool/internal/jobipc"
	"github.com/ChuLiYu/procpool/internal/strategy/pickup"
	"github.com/ChuLiYu/procpool/pkg/types"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName  = "procpool.v1.JobGateway"
	SubmitMethod = "/" + ServiceName + "/Submit"

	GroupHeader    = "x-procpool-group"
	PriorityHeader = "x-procpool-priority"
)

// JobSubmitter runs a job on a worker group and waits for the result.
type JobSubmitter interface {
	Run(ctx context.Context, groupID, priority int, payload []byte) (types.JobResponse, error)
}

// JobGatewayServer is the server side of the gateway service.
type JobGatewayServer interface {
	Submit(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// ServiceDesc describes the gateway service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "procpool/v1/gateway.proto",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobGatewayServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SubmitMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(JobGatewayServer).Submit(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// Server
// ============================================================================

// Config 閘道伺服器設定
type Config struct {
	Submitter JobSubmitter
	Logger    *zap.Logger
	Timeout   time.Duration // 單一任務的上限，0 表示只受呼叫端 deadline 限制
}

// Server serves the gateway and the standard gRPC health service.
type Server struct {
	cfg    Config
	logger *zap.Logger
	grpc   *grpc.Server
	health *health.Server
}

// New creates a gateway server. It reports SERVING until Stop.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.Named("gateway"),
		health: health.NewServer(),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logUnary))
	s.grpc.RegisterService(&ServiceDesc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Gateway listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks the service NOT_SERVING and waits for in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Submit 將 payload 派送到 metadata 指定的群組並回傳結果
func (s *Server) Submit(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	groupID, priority, err := parseHeaders(ctx)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := s.cfg.Submitter.Run(ctx, groupID, priority, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(resp.Payload), nil
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	fields := []zap.Field{
		zap.String("method", info.FullMethod),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		s.logger.Warn("Call failed", append(fields, zap.Error(err))...)
	} else {
		s.logger.Debug("Call served", fields...)
	}
	return resp, err
}

func parseHeaders(ctx context.Context) (groupID, priority int, err error) {
	md, _ := metadata.FromIncomingContext(ctx)
	groups := md.Get(GroupHeader)
	if len(groups) == 0 {
		return 0, 0, fmt.Errorf("missing %s", GroupHeader)
	}
	groupID, err = strconv.Atoi(groups[0])
	if err != nil || groupID <= 0 {
		return 0, 0, fmt.Errorf("invalid %s %q", GroupHeader, groups[0])
	}
	if p := md.Get(PriorityHeader); len(p) > 0 {
		priority, err = strconv.Atoi(p[0])
		if err != nil {
			return 0, 0, fmt.Errorf("invalid %s %q", PriorityHeader, p[0])
		}
	}
	return groupID, priority, nil
}

// toStatus maps submission failures to gRPC codes.
func toStatus(err error) error {
	var remote *jobipc.RemoteError
	switch {
	case errors.As(err, &remote):
		return status.Error(codes.Aborted, remote.Message)
	case errors.Is(err, pickup.ErrNoWorkersAvailable),
		errors.Is(err, jobipc.ErrChannelLost),
		errors.Is(err, jobipc.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// ============================================================================
// Client
// ============================================================================

// Client calls a remote gateway.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit runs payload on groupID and returns the job's result payload.
func (c *Client) Submit(ctx context.Context, groupID, priority int, payload []byte, opts ...grpc.CallOption) ([]byte, error) {
	ctx = metadata.AppendToOutgoingContext(ctx,
		GroupHeader, strconv.Itoa(groupID),
		PriorityHeader, strconv.Itoa(priority))
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, SubmitMethod, wrapperspb.Bytes(payload), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
