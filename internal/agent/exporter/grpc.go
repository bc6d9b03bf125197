package exporter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/gihongjo/probeviz/internal/model"
	"github.com/gihongjo/probeviz/internal/rpc"
)

const (
	// defaultMaxAttempts bounds how often a publish is tried while the
	// server is unavailable.
	defaultMaxAttempts = 5

	// defaultCallTimeout bounds a single Publish call.
	defaultCallTimeout = 30 * time.Second

	// maxReconnectBackoff caps the exponential backoff between attempts.
	maxReconnectBackoff = 30 * time.Second

	// initialReconnectBackoff is the starting backoff duration.
	initialReconnectBackoff = 500 * time.Millisecond
)

// Exporter publishes built graph documents to a probeviz-server.
type Exporter struct {
	logger *zap.Logger
	addr   string

	conn   *grpc.ClientConn
	client rpc.GraphPublisherClient

	maxAttempts    int
	callTimeout    time.Duration
	initialBackoff time.Duration
}

// NewExporter creates a client for the server at serverAddr. Extra dial
// options are appended after the insecure transport credentials.
func NewExporter(logger *zap.Logger, serverAddr string, opts ...grpc.DialOption) (*Exporter, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(serverAddr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc client: %w", err)
	}

	return &Exporter{
		logger:         logger.Named("exporter"),
		addr:           serverAddr,
		conn:           conn,
		client:         rpc.NewGraphPublisherClient(conn),
		maxAttempts:    defaultMaxAttempts,
		callTimeout:    defaultCallTimeout,
		initialBackoff: initialReconnectBackoff,
	}, nil
}

// SetRetry changes the attempt limit and the first backoff.
func (e *Exporter) SetRetry(maxAttempts int, initialBackoff time.Duration) {
	if maxAttempts > 0 {
		e.maxAttempts = maxAttempts
	}
	if initialBackoff > 0 {
		e.initialBackoff = initialBackoff
	}
}

// Publish sends doc under name. With display set the server loads it into
// the viewer, positioned at datetime when that parses. Calls failing with
// Unavailable are retried with exponential backoff.
func (e *Exporter) Publish(ctx context.Context, name string, doc *model.Document, datetime string, display bool) (*rpc.PublishResponse, error) {
	data, err := doc.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode graph: %w", err)
	}
	req := &rpc.PublishRequest{
		Name:     name,
		Document: json.RawMessage(data),
		Datetime: datetime,
		Display:  display,
	}

	backoff := e.initialBackoff
	for attempt := 1; ; attempt++ {
		resp, err := e.publishOnce(ctx, req)
		if err == nil {
			e.logger.Info("graph published",
				zap.String("addr", e.addr),
				zap.String("name", resp.Name),
				zap.Bool("displayed", resp.Displayed),
			)
			return resp, nil
		}
		if status.Code(err) != codes.Unavailable || attempt >= e.maxAttempts {
			return nil, fmt.Errorf("publish %s: %w", name, err)
		}

		e.logger.Warn("server unavailable, retrying",
			zap.String("addr", e.addr),
			zap.Int("attempt", attempt),
			zap.Error(err),
			zap.Duration("retry_in", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// Exponential backoff with cap.
		backoff = time.Duration(math.Min(
			float64(backoff)*2,
			float64(maxReconnectBackoff),
		))
	}
}

func (e *Exporter) publishOnce(ctx context.Context, req *rpc.PublishRequest) (*rpc.PublishResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.Publish(callCtx, req)
}

// Close tears down the gRPC connection.
func (e *Exporter) Close() error {
	return e.conn.Close()
}
