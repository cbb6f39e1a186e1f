// Package codec implements the Base64-wrapped, compressed, (de)serialized
// envelope used for all agent-facing payloads: book state out, instructions
// back. The inner encoding switches from JSON to MsgPack at a protocol
// version boundary; the outer compression is selectable between zlib and
// lz4. A legacy two-field container ({payload, books}) is supported on
// decode for responses that still send it.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// Engine selects the outer compression codec.
type Engine string

const (
	EngineZlib Engine = "zlib"
	EngineLZ4  Engine = "lz4"
)

// MsgpackSwitchVersion is the protocol version at which the inner encoding
// switches from JSON to MsgPack. Versions below this use JSON.
const MsgpackSwitchVersion = 45

// Compress encodes payload with the version-appropriate inner codec, then
// compresses with the given engine, then Base64-encodes the result as text.
func Compress(payload any, engine Engine, level int, version int) (string, error) {
	raw, err := marshalInner(payload, version)
	if err != nil {
		return "", fmt.Errorf("codec: marshal inner: %w", err)
	}

	compressed, err := compressBytes(raw, engine, level)
	if err != nil {
		return "", fmt.Errorf("codec: compress: %w", err)
	}

	return base64.StdEncoding.EncodeToString(compressed), nil
}

// Decompress reverses Compress. The output is a map so callers can pull out
// whichever fields they expect.
func Decompress(payload string, engine Engine, version int) (map[string]any, error) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("codec: base64 decode: %w", err)
	}

	raw, err := decompressBytes(decoded, engine)
	if err != nil {
		return nil, fmt.Errorf("codec: decompress: %w", err)
	}

	return unmarshalInner(raw, version)
}

// DecompressLegacyEnvelope handles the legacy {payload, books} container: each
// field is independently Base64/codec/inner-decoded, then merged with "books"
// taking precedence as its own top-level key.
func DecompressLegacyEnvelope(payloadField, booksField string, engine Engine, version int) (map[string]any, error) {
	main, err := Decompress(payloadField, engine, version)
	if err != nil {
		return nil, fmt.Errorf("codec: legacy payload: %w", err)
	}

	merged := make(map[string]any, len(main)+1)
	for k, v := range main {
		merged[k] = v
	}

	if booksField != "" {
		books, err := Decompress(booksField, engine, version)
		if err != nil {
			return nil, fmt.Errorf("codec: legacy books: %w", err)
		}
		merged["books"] = books
	} else {
		merged["books"] = map[string]any{}
	}

	return merged, nil
}

func marshalInner(payload any, version int) ([]byte, error) {
	if version < MsgpackSwitchVersion {
		return jsonMarshal(payload)
	}
	return msgpack.Marshal(payload)
}

func unmarshalInner(raw []byte, version int) (map[string]any, error) {
	out := make(map[string]any)
	var err error
	if version < MsgpackSwitchVersion {
		err = jsonUnmarshal(raw, &out)
	} else {
		err = msgpack.Unmarshal(raw, &out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func compressBytes(raw []byte, engine Engine, level int) ([]byte, error) {
	switch engine {
	case EngineZlib:
		var buf bytes.Buffer
		w, err := zlib.NewWriterLevel(&buf, zlibLevel(level))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case EngineLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if err := w.Apply(lz4.CompressionLevelOption(lz4Level(level))); err != nil {
			return nil, err
		}
		if _, err := w.Write(raw); err != nil {
			w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("codec: unknown engine %q", engine)
	}
}

func decompressBytes(data []byte, engine Engine) ([]byte, error) {
	switch engine {
	case EngineZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case EngineLZ4:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("codec: unknown engine %q", engine)
	}
}

func zlibLevel(level int) int {
	if level <= 0 {
		return zlib.DefaultCompression
	}
	if level > zlib.BestCompression {
		return zlib.BestCompression
	}
	return level
}

func lz4Level(level int) lz4.CompressionLevel {
	switch {
	case level <= 1:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		return lz4.CompressionLevel(level)
	}
}
