// Package grpcclient carries selfie scoring over gRPC.
//
// The service exchanges protobuf well-known wrapper messages: the request is a
// BytesValue holding the little-endian float32 tensor and the reply is a
// FloatValue holding the score.
package grpcclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/selfie-check/internal/classifier"
)

const (
	serviceName = "selfiecheck.v1.Scorer"
	scoreMethod = "/" + serviceName + "/Score"
)

type scorerServer interface {
	Score(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.FloatValue, error)
}

var scorerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*scorerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Score", Handler: scoreHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "selfiecheck/v1/scorer.proto",
}

func scoreHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(scorerServer).Score(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: scoreMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(scorerServer).Score(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterScorerServer exposes scorer on s.
func RegisterScorerServer(s *grpc.Server, scorer classifier.Scorer, logger *zap.Logger) {
	s.RegisterService(&scorerServiceDesc, &scorerService{scorer: scorer, logger: logger.Named("scorer_service")})
}

type scorerService struct {
	scorer classifier.Scorer
	logger *zap.Logger
}

func (s *scorerService) Score(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.FloatValue, error) {
	tensor, err := decodeTensor(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	score, err := s.scorer.Score(ctx, tensor)
	if err != nil {
		s.logger.Error("scoring failed", zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Float(score), nil
}

func encodeTensor(t classifier.Tensor) []byte {
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeTensor(buf []byte) (classifier.Tensor, error) {
	want := classifier.InputWidth * classifier.InputHeight * classifier.InputChannels
	if len(buf) != 4*want {
		return classifier.Tensor{}, fmt.Errorf("tensor has %d bytes, want %d", len(buf), 4*want)
	}
	t := classifier.Tensor{
		Width:    classifier.InputWidth,
		Height:   classifier.InputHeight,
		Channels: classifier.InputChannels,
		Data:     make([]float32, want),
	}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return t, nil
}
