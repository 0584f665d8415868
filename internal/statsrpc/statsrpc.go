// Package statsrpc exposes the job queue's read-only statistics to an
// external monitoring client over gRPC. A full protoc-generated service
// (as the teacher's internal/server wires against api/proto/chainwatch/v1)
// is disproportionate for three read-only calls with no build step
// available here, so the service descriptor is hand-registered against
// google.golang.org/protobuf/types/known/structpb messages instead of a
// generated .pb.go file — the same dependency, wired without the codegen
// step this environment cannot run.
package statsrpc

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/sessiongraphd/internal/queue"
)

// serviceName is the gRPC service name external clients dial against.
const serviceName = "sessiongraphd.v1.QueueStats"

// Server implements the QueueStats gRPC service over internal/queue's
// read-only reporting operations.
type Server struct {
	queue      *queue.Store
	grpcServer *grpc.Server
}

// New creates a gRPC server backed by q.
func New(q *queue.Store) *Server {
	s := &Server{queue: q, grpcServer: grpc.NewServer()}
	s.grpcServer.RegisterService(&serviceDesc, s)
	return s
}

// Serve starts the gRPC server on addr. Blocks until the listener closes
// or GracefulStop is called.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.grpcServer.Serve(lis)
}

// ServeOn starts the gRPC server on an already-opened listener, for tests.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts the server down.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// GetQueueStats returns the current pending/running/completed/failed counts.
func (s *Server) GetQueueStats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	stats, err := s.queue.GetStats()
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	return structpb.NewStruct(map[string]any{
		"pending":   float64(stats.Pending),
		"running":   float64(stats.Running),
		"completed": float64(stats.Completed),
		"failed":    float64(stats.Failed),
	})
}

// GetDailyStats returns completed/failed counts per day for the number of
// days named in req's "days" field (default 7).
func (s *Server) GetDailyStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	days := 7
	if v, ok := req.GetFields()["days"]; ok {
		days = int(v.GetNumberValue())
	}
	counts, err := s.queue.GetDailyStats(days)
	if err != nil {
		return nil, fmt.Errorf("get daily stats: %w", err)
	}
	daysList, err := structpb.NewList(dailyCountsToValues(counts))
	if err != nil {
		return nil, fmt.Errorf("marshal daily stats: %w", err)
	}
	return structpb.NewStruct(map[string]any{"days": daysList.AsSlice()})
}

// GetJobCounts returns the number of jobs of each type, across all statuses.
func (s *Server) GetJobCounts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	counts, err := s.queue.GetJobCounts()
	if err != nil {
		return nil, fmt.Errorf("get job counts: %w", err)
	}
	fields := make(map[string]any, len(counts))
	for t, n := range counts {
		fields[string(t)] = float64(n)
	}
	return structpb.NewStruct(fields)
}

func dailyCountsToValues(counts []queue.DailyCount) []any {
	out := make([]any, 0, len(counts))
	for _, c := range counts {
		out = append(out, map[string]any{
			"date":      c.Day,
			"completed": float64(c.Completed),
			"failed":    float64(c.Failed),
		})
	}
	return out
}

func unaryHandler(fn func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := &structpb.Struct{}
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(*Server)
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, req, info, handler)
	}
}

// serviceDesc is the hand-built equivalent of what protoc would generate
// for a three-method unary service over google.protobuf.Struct messages.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetQueueStats", Handler: unaryHandler((*Server).GetQueueStats)},
		{MethodName: "GetDailyStats", Handler: unaryHandler((*Server).GetDailyStats)},
		{MethodName: "GetJobCounts", Handler: unaryHandler((*Server).GetJobCounts)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sessiongraphd/statsrpc.proto",
}
