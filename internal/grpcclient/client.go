package grpcclient

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/selfie-check/internal/classifier"
	"github.com/example/selfie-check/internal/logging"
)

// DialScorer returns a ready-to-use remote scorer for the model service at addr.
func DialScorer(ctx context.Context, addr string, logger *zap.Logger) (*Scorer, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_scorer", "", err)
		logger.Error("failed to dial scorer", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewScorer(conn, logger), conn, nil
}

// Scorer implements classifier.Scorer by calling the remote model service.
type Scorer struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewScorer wraps an established connection.
func NewScorer(conn grpc.ClientConnInterface, logger *zap.Logger) *Scorer {
	return &Scorer{conn: conn, logger: logger.Named("grpc_scorer")}
}

// Score sends the tensor to the model service and returns its confidence.
func (s *Scorer) Score(ctx context.Context, t classifier.Tensor) (float32, error) {
	out := new(wrapperspb.FloatValue)
	if err := s.conn.Invoke(ctx, scoreMethod, wrapperspb.Bytes(encodeTensor(t)), out); err != nil {
		wrapped := logging.NewOperationError("grpcclient.score", "", err)
		s.logger.Warn("scorer call failed", zap.Error(wrapped))
		return 0, wrapped
	}
	return out.GetValue(), nil
}
