// Package ingestion accepts graph documents published by the builders.
package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/rpc"
)

// GraphLoader displays a graph document in the viewer.
type GraphLoader interface {
	LoadGraph(ctx context.Context, name string, data []byte, datetime string) (*model.Frame, error)
}

// PublishServer implements rpc.GraphPublisherServer. Published documents
// are validated, stored, and optionally handed to the loader.
type PublishServer struct {
	sink     model.GraphSink
	loader   GraphLoader
	logger   *zap.Logger
	accepted atomic.Uint64
}

// NewPublishServer creates a PublishServer. loader may be nil, in which
// case Display requests are refused.
func NewPublishServer(sink model.GraphSink, loader GraphLoader, logger *zap.Logger) *PublishServer {
	return &PublishServer{
		sink:   sink,
		loader: loader,
		logger: logger.Named("ingestion"),
	}
}

// Publish implements rpc.GraphPublisherServer.
func (s *PublishServer) Publish(ctx context.Context, req *rpc.PublishRequest) (*rpc.PublishResponse, error) {
	if !strings.HasSuffix(req.Name, ".json") {
		return nil, status.Errorf(codes.InvalidArgument, "graph name %q must end in .json", req.Name)
	}
	doc, err := model.DecodeDocument(req.Document)
	if err != nil {
		s.logger.Warn("rejected published graph", zap.String("name", req.Name), zap.Error(err))
		return nil, status.Errorf(codes.InvalidArgument, "invalid graph document: %v", err)
	}
	if req.Display && s.loader == nil {
		return nil, status.Error(codes.FailedPrecondition, "no viewer attached")
	}

	if err := s.sink.WriteGraph(ctx, req.Name, req.Document); err != nil {
		s.logger.Error("failed to store published graph", zap.String("name", req.Name), zap.Error(err))
		return nil, status.Errorf(codes.Internal, "failed to store graph: %v", err)
	}

	resp := &rpc.PublishResponse{
		Name:       req.Name,
		Nodes:      len(doc.Nodes),
		Links:      len(doc.Links),
		Congestion: doc.Congestion,
	}

	if req.Display {
		if _, err := s.loader.LoadGraph(ctx, req.Name, req.Document, req.Datetime); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, status.FromContextError(err).Err()
			}
			return nil, status.Errorf(codes.Internal, "failed to display graph: %v", err)
		}
		resp.Displayed = true
	}

	s.accepted.Add(1)
	s.logger.Info("graph published",
		zap.String("name", req.Name),
		zap.Int("nodes", resp.Nodes),
		zap.Int("links", resp.Links),
		zap.Bool("congestion", resp.Congestion),
		zap.Bool("displayed", resp.Displayed),
	)
	return resp, nil
}

// TotalAccepted returns the number of graphs accepted so far.
func (s *PublishServer) TotalAccepted() uint64 {
	return s.accepted.Load()
}
