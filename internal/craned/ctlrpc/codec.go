// Package ctlrpc implements the Upstream Controller RPC surface: a
// grpc.Server the controller dials into, carrying the Configure/
// ExecuteTask/TerminateTasks/.../TaskStatusChange verbs of §6 as plain Go
// structs over a JSON codec, since no generated protobuf package survives
// retrieval for this service.
package ctlrpc

import (
	"encoding/json"
	"fmt"
)

// jsonCodec implements grpc's encoding.Codec over the "json" content
// subtype, grpc-go's documented extension point for non-protobuf payloads.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("ctlrpc: unmarshal: %w", err)
	}
	return nil
}
