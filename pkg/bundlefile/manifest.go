package bundlefile

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/polarexpress/polarexpress/pkg/model"
)

// Wire field numbers for the hand-encoded BundleManifest message. protoc
// cannot be invoked in this environment, so the manifest is built directly
// against the protobuf wire format (length-delimited submessages) rather
// than through generated code; the layout is still wire-compatible with a
// .proto definition using these field numbers.
//
//	message BundleManifest { repeated Payload payloads = 1; }
//	message Payload {
//	  string compression = 1;
//	  int64 offset = 2;
//	  repeated BlockRecord blocks = 3;
//	}
//	message BlockRecord {
//	  int64 block_id = 1;
//	  bytes sha1 = 2;
//	  int64 length = 3;
//	}
const (
	fieldManifestPayloads = 1

	fieldPayloadCompression = 1
	fieldPayloadOffset      = 2
	fieldPayloadBlocks      = 3

	fieldBlockID     = 1
	fieldBlockSHA1   = 2
	fieldBlockLength = 3
)

// EncodeManifest serializes a BundleManifest to protobuf wire bytes.
func EncodeManifest(m model.BundleManifest) []byte {
	var out []byte
	for _, p := range m.Payloads {
		out = protowire.AppendTag(out, fieldManifestPayloads, protowire.BytesType)
		out = protowire.AppendBytes(out, encodePayload(p))
	}
	return out
}

func encodePayload(p model.PayloadManifest) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldPayloadCompression, protowire.BytesType)
	out = protowire.AppendString(out, string(p.Compression))

	out = protowire.AppendTag(out, fieldPayloadOffset, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(p.Offset))

	for _, b := range p.Blocks {
		out = protowire.AppendTag(out, fieldPayloadBlocks, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeBlockRecord(b))
	}
	return out
}

func encodeBlockRecord(b model.BlockRecord) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldBlockID, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.BlockID))

	out = protowire.AppendTag(out, fieldBlockSHA1, protowire.BytesType)
	out = protowire.AppendBytes(out, b.SHA1[:])

	out = protowire.AppendTag(out, fieldBlockLength, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(b.Length))
	return out
}

// DecodeManifest parses protobuf wire bytes produced by EncodeManifest.
func DecodeManifest(data []byte) (model.BundleManifest, error) {
	var manifest model.BundleManifest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return manifest, fmt.Errorf("bundlefile: invalid manifest tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldManifestPayloads || typ != protowire.BytesType {
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return manifest, fmt.Errorf("bundlefile: invalid manifest field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
			continue
		}

		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return manifest, fmt.Errorf("bundlefile: invalid payload bytes: %w", protowire.ParseError(n))
		}
		data = data[n:]

		payload, err := decodePayload(raw)
		if err != nil {
			return manifest, err
		}
		manifest.Payloads = append(manifest.Payloads, payload)
	}
	return manifest, nil
}

func decodePayload(data []byte) (model.PayloadManifest, error) {
	var p model.PayloadManifest
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return p, fmt.Errorf("bundlefile: invalid payload tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldPayloadCompression && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(data)
			if n < 0 {
				return p, fmt.Errorf("bundlefile: invalid compression field: %w", protowire.ParseError(n))
			}
			p.Compression = model.CompressionType(s)
			data = data[n:]

		case num == fieldPayloadOffset && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return p, fmt.Errorf("bundlefile: invalid offset field: %w", protowire.ParseError(n))
			}
			p.Offset = int64(v)
			data = data[n:]

		case num == fieldPayloadBlocks && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return p, fmt.Errorf("bundlefile: invalid block bytes: %w", protowire.ParseError(n))
			}
			data = data[n:]
			block, err := decodeBlockRecord(raw)
			if err != nil {
				return p, err
			}
			p.Blocks = append(p.Blocks, block)

		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return p, fmt.Errorf("bundlefile: invalid payload field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
		}
	}
	return p, nil
}

func decodeBlockRecord(data []byte) (model.BlockRecord, error) {
	var b model.BlockRecord
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return b, fmt.Errorf("bundlefile: invalid block record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldBlockID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return b, fmt.Errorf("bundlefile: invalid block id field: %w", protowire.ParseError(n))
			}
			b.BlockID = int64(v)
			data = data[n:]

		case num == fieldBlockSHA1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return b, fmt.Errorf("bundlefile: invalid sha1 field: %w", protowire.ParseError(n))
			}
			copy(b.SHA1[:], raw)
			data = data[n:]

		case num == fieldBlockLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return b, fmt.Errorf("bundlefile: invalid length field: %w", protowire.ParseError(n))
			}
			b.Length = int64(v)
			data = data[n:]

		default:
			skip := protowire.ConsumeFieldValue(num, typ, data)
			if skip < 0 {
				return b, fmt.Errorf("bundlefile: invalid block record field: %w", protowire.ParseError(skip))
			}
			data = data[skip:]
		}
	}
	return b, nil
}
