// Package rpc exposes the model pipeline over gRPC. Requests and responses
// are google.protobuf.Struct values so no generated code is needed:
//
//	request:  {model: "svi", params: {fwd: 1.0}}
//	response: {status: "success", data: {...}, metadata: {...}}
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xsigma/platform/gateway/internal/models"
	"github.com/xsigma/platform/gateway/internal/pipeline"
)

const (
	ServiceName   = "modelgateway.v1.ModelService"
	ComputeMethod = "/" + ServiceName + "/Compute"

	// ErrorTypeTrailer carries the pipeline error kind on failed calls.
	ErrorTypeTrailer = "x-error-type"
	requestIDHeader  = "x-request-id"
)

// Runner is the part of *pipeline.Engine the service uses.
type Runner interface {
	Run(ctx context.Context, p *models.Profile, raw map[string]any) (*pipeline.Response, error)
}

// ModelServiceServer is implemented by Service.
type ModelServiceServer interface {
	Compute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ModelServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Compute", Handler: computeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: descriptorPath,
}

func computeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ModelServiceServer).Compute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ComputeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ModelServiceServer).Compute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type Service struct {
	engine   Runner
	registry *models.Registry
	logger   zerolog.Logger
}

func NewService(engine Runner, registry *models.Registry, logger zerolog.Logger) *Service {
	return &Service{
		engine:   engine,
		registry: registry,
		logger:   logger.With().Str("component", "grpc").Logger(),
	}
}

// Register adds the model service, the health service and reflection to srv.
func (s *Service) Register(srv *grpc.Server) *health.Server {
	srv.RegisterService(&serviceDesc, s)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return hs
}

func (s *Service) Compute(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	name := strings.TrimSpace(fields["model"].GetStringValue())
	if name == "" {
		return nil, s.fail(ctx, &pipeline.Error{Kind: pipeline.KindValidation, Message: "model is required"})
	}
	p, ok := s.registry.Lookup(name)
	if !ok {
		return nil, s.fail(ctx, &pipeline.Error{Kind: pipeline.KindUnknownModel, Model: name, Message: fmt.Sprintf("unknown model %q", name)})
	}

	raw := map[string]any{}
	if v, ok := fields["params"]; ok && v.GetStructValue() != nil {
		raw = v.GetStructValue().AsMap()
	}

	reqID := incomingRequestID(ctx)
	resp, err := s.engine.Run(pipeline.WithRequestID(ctx, reqID), p, raw)
	if err != nil {
		return nil, s.fail(ctx, err)
	}

	var data any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, status.Errorf(codes.Internal, "decode worker result: %v", err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"status": "success",
		"data":   data,
		"metadata": map[string]any{
			"processingTimeMs": float64(resp.Duration.Milliseconds()),
			"timestamp":        resp.Timestamp.UTC().Format(time.RFC3339Nano),
			"cached":           resp.Cached,
			"requestId":        resp.RequestID,
			"model":            resp.Model,
		},
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *Service) fail(ctx context.Context, err error) error {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		return status.Error(codes.Internal, err.Error())
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs(ErrorTypeTrailer, string(pe.Kind)))
	return status.Error(pe.Kind.GRPCCode(), pe.Message)
}

func incomingRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(requestIDHeader); len(ids) > 0 && strings.TrimSpace(ids[0]) != "" {
			return ids[0]
		}
	}
	return uuid.NewString()
}

// Compute calls the model service on conn.
func Compute(ctx context.Context, conn grpc.ClientConnInterface, model string, params map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"model": model, "params": params})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, ComputeMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
