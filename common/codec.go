package common

import (
	"encoding/json"

	gabs "github.com/Jeffail/gabs/v2"
	"github.com/pkg/errors"
)

// Codec turns user values into the bytes stored on the coordinator and back.
// Values must round-trip: Decode(Encode(v)) is identical to v. The default
// codec is JSON, so numbers come back as float64 and structs as
// map[string]interface{}.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}

// JSONCodec encodes values as JSON and compresses the result with snappy.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode value")
	}
	return CompressData(encoded), nil
}

func (JSONCodec) Decode(data []byte) (interface{}, error) {
	decompressed, err := DecompressData(data)
	if err != nil {
		return nil, errors.Wrap(err, "decompress value")
	}
	container, err := gabs.ParseJSON(decompressed)
	if err != nil {
		return nil, errors.Wrap(err, "decode value")
	}
	return container.Data(), nil
}

// DeepCopy returns a copy of a codec-representable value with no shared
// mutable structure. Values handed to user code go through this so callers
// cannot mutate cached snapshots.
func DeepCopy(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	container, err := gabs.ParseJSON(encoded)
	if err != nil {
		panic(err)
	}
	return container.Data()
}
