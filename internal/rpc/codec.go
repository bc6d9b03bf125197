// Package rpc holds the wire types and service descriptor of the graph
// publishing service. Messages are plain structs carried by a JSON codec
// registered under the "json" content subtype.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype the JSON codec is registered under.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}

// CallOption selects the JSON codec for a call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
