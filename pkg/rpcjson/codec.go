// Package rpcjson installs a JSON-based grpc.Codec under the "proto"
// content-subtype so every service in this module can use
// google.golang.org/grpc's real transport, deadlines, metadata and
// streaming without protoc-generated message types. Every RPC message
// in pkg/dnrpc and pkg/harpc is a plain Go struct with json tags;
// Marshal/Unmarshal below are the only place that matters.
package rpcjson

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name matches the subtype grpc negotiates by default ("proto"), so a
// ServiceDesc built without a custom CallOption still picks up this
// codec — clients that only ever talk to this server never notice
// there's no protobuf underneath.
const Name = "proto"

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcjson: marshal: %w", err)
	}
	return data, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcjson: unmarshal: %w", err)
	}
	return nil
}

func (codec) Name() string { return Name }

// Register installs the codec process-wide. Call it once from each
// binary's main before dialing or serving.
func Register() {
	encoding.RegisterCodec(codec{})
}
