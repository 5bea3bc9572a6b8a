// Package codec encodes agent update payloads for storage. Payloads are
// CBOR with deterministic encoding; large payloads (screenshots, long tool
// output) are additionally zstd-compressed.
package codec

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Encoding names the on-disk representation of a payload.
type Encoding string

const (
	EncodingCBOR     Encoding = "cbor"
	EncodingCBORZstd Encoding = "cbor+zstd"
)

// CompressThreshold is the encoded size above which payloads are compressed.
const CompressThreshold = 4096

// ErrUnknownEncoding is returned by Decode for an unrecognised encoding.
var ErrUnknownEncoding = errors.New("unknown payload encoding")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoders and decoders are safe for concurrent use via EncodeAll/DecodeAll.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	// Metadata maps decode into map[string]any so they stay JSON-compatible.
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("codec: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("codec: zstd decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encode marshals v and compresses the result when it is large and
// compressible. The returned Encoding must be stored alongside the bytes.
func Encode(v any) ([]byte, Encoding, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("cbor encode: %w", err)
	}
	if len(data) <= CompressThreshold {
		return data, EncodingCBOR, nil
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingCBOR, nil
	}
	return compressed, EncodingCBORZstd, nil
}

// Decode reverses Encode.
func Decode(data []byte, enc Encoding, v any) error {
	switch enc {
	case EncodingCBOR:
	case EncodingCBORZstd:
		raw, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("zstd decompress: %w", err)
		}
		data = raw
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEncoding, enc)
	}
	if err := Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor decode: %w", err)
	}
	return nil
}
