package wire

// Codec encodes and decodes frames for transmission.
type Codec interface {
	// Encode serializes a frame to bytes.
	Encode(f *Frame) ([]byte, error)

	// Decode deserializes bytes into a frame. Unknown fields in the
	// input are ignored.
	Decode(data []byte) (*Frame, error)

	// Name returns the codec name used during session negotiation.
	Name() string
}

// Codec names accepted in a hello frame's format field.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns the codec registered under name, defaulting to JSON
// for empty or unknown names.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return &MsgpackCodec{}
	case CodecNameJSON:
		return &JSONCodec{}
	default:
		return &JSONCodec{}
	}
}
