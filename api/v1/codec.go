package v1

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// content-subtype of every Coordinator call, "application/grpc+json" on the wire
const CodecName = "json"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}
