package wire

import "encoding/json"

// JSONCodec encodes frames as JSON. It is the default codec and the
// fallback when format negotiation fails.
type JSONCodec struct{}

func (c *JSONCodec) Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
