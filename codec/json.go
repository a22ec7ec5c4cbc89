package codec

import "encoding/json"

// JSONCodec is a secondary Codec for handlers and demo tooling that prefer
// JSON payloads over protobuf (e.g. cmd/rpcclient talking to a handler that
// registered itself with this codec). Using encoding/json here is a
// deliberate stdlib choice: JSON marshalling has no domain-specific
// behavior worth pulling a third-party library in for, unlike the protobuf
// and service-config-map decoding concerns elsewhere in this module.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
