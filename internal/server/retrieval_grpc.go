package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/knoguchi/landlaw/internal/retrieval"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// RetrievalServiceName is the fully qualified gRPC service name.
const RetrievalServiceName = "landlaw.v1.RetrievalService"

// RetrievalServer is the gRPC retrieval service. Messages are
// google.protobuf.Struct values with the same fields as the JSON API.
type RetrievalServer interface {
	Retrieve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetArticle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetFormerVersion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterRetrievalServer registers srv on s.
func RegisterRetrievalServer(s grpc.ServiceRegistrar, srv RetrievalServer) {
	s.RegisterService(&retrievalServiceDesc, srv)
}

var retrievalServiceDesc = grpc.ServiceDesc{
	ServiceName: RetrievalServiceName,
	HandlerType: (*RetrievalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Retrieve", Handler: unaryHandler("Retrieve", RetrievalServer.Retrieve)},
		{MethodName: "GetArticle", Handler: unaryHandler("GetArticle", RetrievalServer.GetArticle)},
		{MethodName: "GetFormerVersion", Handler: unaryHandler("GetFormerVersion", RetrievalServer.GetFormerVersion)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "landlaw/v1/retrieval.proto",
}

type structMethod func(RetrievalServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, method structMethod) grpc.MethodHandler {
	fullMethod := "/" + RetrievalServiceName + "/" + name
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(RetrievalServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(RetrievalServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// retrievalServer implements RetrievalServer on top of Service.
type retrievalServer struct {
	service *Service
}

func (s *retrievalServer) Retrieve(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	initialK, err := intField(fields, "initial_k")
	if err != nil {
		return nil, toStatus(err)
	}
	finalK, err := intField(fields, "final_k")
	if err != nil {
		return nil, toStatus(err)
	}

	result, err := s.service.Retrieve(ctx, retrieval.Request{
		Query:    fields["query"].GetStringValue(),
		InitialK: initialK,
		FinalK:   finalK,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(result)
}

func (s *retrievalServer) GetArticle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	article, err := s.service.Article(ctx, req.GetFields()["id"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(article)
}

func (s *retrievalServer) GetFormerVersion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	link, err := s.service.Former(ctx, req.GetFields()["id"].GetStringValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(link)
}

func toStatus(err error) error {
	return status.Error(grpcCode(err), err.Error())
}

// intField reads an optional whole-number field.
func intField(fields map[string]*structpb.Value, name string) (int, error) {
	v, ok := fields[name]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number", retrieval.ErrInvalidRequest, name)
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s must be a whole number, got %v", retrieval.ErrInvalidRequest, name, n.NumberValue)
	}
	return int(n.NumberValue), nil
}

// toStruct converts a JSON-tagged value to a Struct through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to encode response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to encode response: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(grpcCode(err), "failed to encode response: %v", err)
	}
	return out, nil
}
