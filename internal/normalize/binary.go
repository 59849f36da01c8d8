package normalize

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Binary frame layout: magic(4) version(1) length(4, big-endian) body.
const (
	FrameVersion    = 1
	frameHeaderSize = 9
)

// FrameMagic opens every binary frame.
var FrameMagic = [4]byte{0xC0, 'R', 'P', 'C'}

// Body field numbers.
const (
	fieldRequestID protowire.Number = 1
	fieldMethod    protowire.Number = 2
	fieldField     protowire.Number = 3
	fieldParams    protowire.Number = 4
	fieldStatus    protowire.Number = 5
)

// BinaryMessage is the decoded body of a binary frame. Status is zero on
// requests and on successful responses.
type BinaryMessage struct {
	RequestID string
	Method    string
	Fields    []string
	Params    map[string]any
	Status    uint32
}

// looksBinary reports whether payload claims to be a binary frame. 0xC0 never
// starts valid UTF-8, so a text payload cannot match.
func looksBinary(payload []byte) bool {
	return len(payload) > 0 && payload[0] == FrameMagic[0]
}

// DecodeBinary parses a complete binary frame.
func DecodeBinary(payload []byte) (*BinaryMessage, error) {
	for i := 0; i < len(FrameMagic); i++ {
		if i >= len(payload) {
			return nil, framingError(i, "short header: %d bytes", len(payload))
		}
		if payload[i] != FrameMagic[i] {
			return nil, framingError(i, "bad magic byte 0x%02x", payload[i])
		}
	}
	if len(payload) < frameHeaderSize {
		return nil, framingError(len(payload), "short header: %d bytes", len(payload))
	}
	if payload[4] != FrameVersion {
		return nil, framingError(4, "unsupported version %d", payload[4])
	}

	length := binary.BigEndian.Uint32(payload[5:frameHeaderSize])
	if uint64(length) != uint64(len(payload)-frameHeaderSize) {
		return nil, framingError(5, "length %d does not match body of %d bytes", length, len(payload)-frameHeaderSize)
	}

	return decodeBody(payload[frameHeaderSize:], frameHeaderSize)
}

func decodeBody(b []byte, base int) (*BinaryMessage, error) {
	msg := &BinaryMessage{}
	offset := base

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, framingError(offset, "bad tag: %v", protowire.ParseError(n))
		}
		b, offset = b[n:], offset+n

		switch num {
		case fieldRequestID, fieldMethod, fieldField, fieldParams:
			if typ != protowire.BytesType {
				return nil, framingError(offset, "field %d has wire type %d, want bytes", num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, framingError(offset, "field %d: %v", num, protowire.ParseError(n))
			}
			if err := msg.setBytes(num, v, offset); err != nil {
				return nil, err
			}
			b, offset = b[n:], offset+n

		case fieldStatus:
			if typ != protowire.VarintType {
				return nil, framingError(offset, "field %d has wire type %d, want varint", num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, framingError(offset, "field %d: %v", num, protowire.ParseError(n))
			}
			msg.Status = uint32(v)
			b, offset = b[n:], offset+n

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, framingError(offset, "field %d: %v", num, protowire.ParseError(n))
			}
			b, offset = b[n:], offset+n
		}
	}

	return msg, nil
}

func (m *BinaryMessage) setBytes(num protowire.Number, v []byte, offset int) error {
	switch num {
	case fieldRequestID:
		m.RequestID = string(v)
	case fieldMethod:
		m.Method = string(v)
	case fieldField:
		m.Fields = append(m.Fields, string(v))
	case fieldParams:
		var s structpb.Struct
		if err := proto.Unmarshal(v, &s); err != nil {
			return framingError(offset, "undecodable params: %v", err)
		}
		m.Params = s.AsMap()
	}
	return nil
}

// EncodeBinary builds a binary frame around m.
func EncodeBinary(m *BinaryMessage) ([]byte, error) {
	var body []byte
	if m.RequestID != "" {
		body = protowire.AppendTag(body, fieldRequestID, protowire.BytesType)
		body = protowire.AppendString(body, m.RequestID)
	}
	if m.Method != "" {
		body = protowire.AppendTag(body, fieldMethod, protowire.BytesType)
		body = protowire.AppendString(body, m.Method)
	}
	for _, f := range m.Fields {
		body = protowire.AppendTag(body, fieldField, protowire.BytesType)
		body = protowire.AppendString(body, f)
	}
	if m.Params != nil {
		s, err := structpb.NewStruct(m.Params)
		if err != nil {
			return nil, fmt.Errorf("failed to convert params: %w", err)
		}
		raw, err := proto.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		body = protowire.AppendTag(body, fieldParams, protowire.BytesType)
		body = protowire.AppendBytes(body, raw)
	}
	if m.Status != 0 {
		body = protowire.AppendTag(body, fieldStatus, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(m.Status))
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	copy(frame, FrameMagic[:])
	frame[4] = FrameVersion
	binary.BigEndian.PutUint32(frame[5:frameHeaderSize], uint32(len(body)))
	return append(frame, body...), nil
}
