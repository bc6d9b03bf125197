package rpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// PublishRequest carries one graph document to the viewer.
type PublishRequest struct {
	// Name the graph is stored and listed under; must end in .json.
	Name     string          `json:"name"`
	Document json.RawMessage `json:"document"`
	// Datetime optionally positions a congestion graph, YYYY-MM-DD HH:MM.
	Datetime string `json:"datetime,omitempty"`
	// Display makes the viewer load the graph right away.
	Display bool `json:"display"`
}

// PublishResponse summarises the accepted graph.
type PublishResponse struct {
	Name       string `json:"name"`
	Nodes      int    `json:"nodes"`
	Links      int    `json:"links"`
	Congestion bool   `json:"congestion"`
	Displayed  bool   `json:"displayed"`
}

// GraphPublisherServer is the server API of the GraphPublisher service:
//
//	service GraphPublisher {
//	    rpc Publish(PublishRequest) returns (PublishResponse);
//	}
type GraphPublisherServer interface {
	Publish(ctx context.Context, req *PublishRequest) (*PublishResponse, error)
}

// RegisterGraphPublisherServer registers srv on s.
func RegisterGraphPublisherServer(s grpc.ServiceRegistrar, srv GraphPublisherServer) {
	s.RegisterService(&GraphPublisherServiceDesc, srv)
}

const publishMethod = "/probeviz.GraphPublisher/Publish"

// GraphPublisherServiceDesc describes the GraphPublisher service.
var GraphPublisherServiceDesc = grpc.ServiceDesc{
	ServiceName: "probeviz.GraphPublisher",
	HandlerType: (*GraphPublisherServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    publishHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "probeviz.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GraphPublisherServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: publishMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(GraphPublisherServer).Publish(ctx, req.(*PublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// GraphPublisherClient is the client API of the GraphPublisher service.
type GraphPublisherClient interface {
	Publish(ctx context.Context, in *PublishRequest, opts ...grpc.CallOption) (*PublishResponse, error)
}

type graphPublisherClient struct {
	cc grpc.ClientConnInterface
}

// NewGraphPublisherClient returns a client using the JSON codec on cc.
func NewGraphPublisherClient(cc grpc.ClientConnInterface) GraphPublisherClient {
	return &graphPublisherClient{cc: cc}
}

func (c *graphPublisherClient) Publish(ctx context.Context, in *PublishRequest, opts ...grpc.CallOption) (*PublishResponse, error) {
	out := new(PublishResponse)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := c.cc.Invoke(ctx, publishMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
