// Package grpcserver exposes the alignment service over gRPC. Messages are
// google.protobuf.Struct values so no generated stubs are needed.
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"arclimb/internal/edge"
	"arclimb/internal/geometry"
	"arclimb/internal/graph"
	"arclimb/internal/imagestore"
	"arclimb/internal/locate"
	"arclimb/internal/query"
	"arclimb/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "arclimb.v1.Alignment"

// AlignmentServer answers alignment requests against a service.
type AlignmentServer struct {
	svc *service.Service
	log *slog.Logger
}

// New returns a server over svc.
func New(svc *service.Service, logger *slog.Logger) *AlignmentServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AlignmentServer{svc: svc, log: logger}
}

// Start listens on addr and serves until ctx is cancelled.
func (s *AlignmentServer) Start(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)
	s.RegisterWithServer(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.log.Info("gRPC server starting", "addr", listen.Addr().String())
	if err := grpcServer.Serve(listen); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// RegisterWithServer registers the alignment service with a gRPC server.
func (s *AlignmentServer) RegisterWithServer(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

type handlerFunc func(s *AlignmentServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(name string, h handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*AlignmentServer)
			if interceptor == nil {
				return h(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return h(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddImage", (*AlignmentServer).AddImage),
		unary("Connect", (*AlignmentServer).Connect),
		unary("Query", (*AlignmentServer).Query),
		unary("Locate", (*AlignmentServer).Locate),
		unary("Stats", (*AlignmentServer).Stats),
	},
	Metadata: "arclimb/v1/alignment",
}

// AddImage admits {ref} and, unless connect is false, connects it.
func (s *AlignmentServer) AddImage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref, err := stringField(req, "ref")
	if err != nil {
		return nil, err
	}
	id, err := s.svc.AddImage(ctx, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{"id": string(id), "edges_added": 0}
	if v, ok := req.GetFields()["connect"]; !ok || v.GetBoolValue() {
		results, err := s.svc.ConnectAll(ctx, id)
		if err != nil {
			return nil, toStatus(err)
		}
		added := 0
		for _, r := range results {
			if r.Decision.Admitted {
				added++
			}
		}
		out["edges_added"] = added
	}
	return toStruct(out)
}

// Connect runs connect_if_valid on {a, b} and returns the decision. An
// optional correspondences list of {src, dst, confidence} replaces the
// matcher.
func (s *AlignmentServer) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a, err := stringField(req, "a")
	if err != nil {
		return nil, err
	}
	b, err := stringField(req, "b")
	if err != nil {
		return nil, err
	}
	corrs, err := correspondencesField(req)
	if err != nil {
		return nil, err
	}
	var d edge.Decision
	if len(corrs) > 0 {
		d, err = s.svc.ConnectWith(ctx, graph.NodeID(a), graph.NodeID(b), corrs)
	} else {
		d, err = s.svc.Connect(ctx, graph.NodeID(a), graph.NodeID(b))
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(d)
}

// Query maps {x, y} from src into dst.
func (s *AlignmentServer) Query(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	src, err := stringField(req, "src")
	if err != nil {
		return nil, err
	}
	dst, err := stringField(req, "dst")
	if err != nil {
		return nil, err
	}
	p, err := pointFields(req)
	if err != nil {
		return nil, err
	}
	res, err := s.svc.Query(ctx, graph.NodeID(src), p, graph.NodeID(dst))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(res)
}

// Locate finds the entry node of {ref}. With {x, y, dst} it also maps the
// point through the graph.
func (s *AlignmentServer) Locate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ref, err := stringField(req, "ref")
	if err != nil {
		return nil, err
	}
	if dst := req.GetFields()["dst"].GetStringValue(); dst != "" {
		p, err := pointFields(req)
		if err != nil {
			return nil, err
		}
		iq, err := s.svc.QueryFromImage(ctx, ref, p, graph.NodeID(dst))
		if err != nil {
			return nil, toStatus(err)
		}
		return toStruct(map[string]any{
			"node":            iq.Entry.Node,
			"score":           iq.Entry.Score,
			"correspondences": iq.Entry.Count(),
			"entry_point":     iq.EntryPoint,
			"result":          iq.Result,
		})
	}
	m, err := s.svc.Locate(ctx, ref)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{
		"node":            m.Node,
		"score":           m.Score,
		"correspondences": m.Count(),
	})
}

// Stats returns graph counts.
func (s *AlignmentServer) Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(s.svc.Stats())
}

func stringField(req *structpb.Struct, name string) (string, error) {
	v := req.GetFields()[name].GetStringValue()
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "missing %s", name)
	}
	return v, nil
}

func pointFields(req *structpb.Struct) (geometry.Point, error) {
	fields := req.GetFields()
	x, okX := fields["x"].GetKind().(*structpb.Value_NumberValue)
	y, okY := fields["y"].GetKind().(*structpb.Value_NumberValue)
	if !okX || !okY {
		return geometry.Point{}, status.Error(codes.InvalidArgument, "x and y must be numbers")
	}
	return geometry.Point{X: x.NumberValue, Y: y.NumberValue}, nil
}

func correspondencesField(req *structpb.Struct) ([]geometry.Correspondence, error) {
	v, ok := req.GetFields()["correspondences"]
	if !ok {
		return nil, nil
	}
	if v.GetListValue() == nil {
		return nil, status.Error(codes.InvalidArgument, "correspondences must be a list")
	}
	raw, err := json.Marshal(v.AsInterface())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "correspondences: %v", err)
	}
	var out []geometry.Correspondence
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "correspondences: %v", err)
	}
	return out, nil
}

// toStruct converts v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// toStatus maps service errors to gRPC status codes.
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, graph.ErrUnknownNode),
		errors.Is(err, graph.ErrUnknownEdge),
		errors.Is(err, imagestore.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, graph.ErrDuplicateNode),
		errors.Is(err, graph.ErrDuplicateEdge):
		code = codes.AlreadyExists
	case errors.Is(err, query.ErrNoPath),
		errors.Is(err, query.ErrUnmappable),
		errors.Is(err, locate.ErrNoMatch):
		code = codes.FailedPrecondition
	case errors.Is(err, graph.ErrSelfEdge),
		errors.Is(err, geometry.ErrInvalidPoint),
		errors.Is(err, imagestore.ErrUnsupported):
		code = codes.InvalidArgument
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
