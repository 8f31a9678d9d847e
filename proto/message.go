package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// MessageType represents the type of message being sent between peers
type MessageType int32

const (
	MessageType_UNKNOWN MessageType = iota
	MessageType_SNAPSHOT
	MessageType_SYNC_REQUEST
)

// Envelope carries the full state of one named container from a replica.
// The payload is the container's snapshot; it is opaque at this layer.
type Envelope struct {
	Type      MessageType
	SenderID  string
	Name      string
	Kind      uint32
	Timestamp int64
	Payload   []byte
}

// Field numbers of Envelope on the wire
const (
	envelopeType      protowire.Number = 1
	envelopeSenderID  protowire.Number = 2
	envelopeName      protowire.Number = 3
	envelopeKind      protowire.Number = 4
	envelopeTimestamp protowire.Number = 5
	envelopePayload   protowire.Number = 6
)

// Marshal encodes the envelope in protobuf wire format
func (e *Envelope) Marshal() []byte {
	var b []byte
	if e.Type != 0 {
		b = protowire.AppendTag(b, envelopeType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Type))
	}
	if e.SenderID != "" {
		b = protowire.AppendTag(b, envelopeSenderID, protowire.BytesType)
		b = protowire.AppendString(b, e.SenderID)
	}
	if e.Name != "" {
		b = protowire.AppendTag(b, envelopeName, protowire.BytesType)
		b = protowire.AppendString(b, e.Name)
	}
	if e.Kind != 0 {
		b = protowire.AppendTag(b, envelopeKind, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Kind))
	}
	if e.Timestamp != 0 {
		b = protowire.AppendTag(b, envelopeTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.Timestamp))
	}
	if len(e.Payload) > 0 {
		b = protowire.AppendTag(b, envelopePayload, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Payload)
	}
	return b
}

// Unmarshal decodes an envelope. Unknown fields are skipped.
func (e *Envelope) Unmarshal(b []byte) error {
	*e = Envelope{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("envelope tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == envelopeType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope type: %w", protowire.ParseError(n))
			}
			e.Type = MessageType(v)
			b = b[n:]
		case num == envelopeSenderID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("envelope sender_id: %w", protowire.ParseError(n))
			}
			e.SenderID = v
			b = b[n:]
		case num == envelopeName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("envelope name: %w", protowire.ParseError(n))
			}
			e.Name = v
			b = b[n:]
		case num == envelopeKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope kind: %w", protowire.ParseError(n))
			}
			e.Kind = uint32(v)
			b = b[n:]
		case num == envelopeTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("envelope timestamp: %w", protowire.ParseError(n))
			}
			e.Timestamp = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == envelopePayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("envelope payload: %w", protowire.ParseError(n))
			}
			e.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("envelope field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// Handshake is exchanged once when a peer connection is opened
type Handshake struct {
	NodeID   string
	Addr     string
	Version  string
	Metadata map[string]string
}

const (
	handshakeNodeID   protowire.Number = 1
	handshakeAddr     protowire.Number = 2
	handshakeVersion  protowire.Number = 3
	handshakeMetadata protowire.Number = 4

	// map entry fields
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
)

// Marshal encodes the handshake in protobuf wire format. Metadata is a
// map<string,string> field.
func (h *Handshake) Marshal() []byte {
	var b []byte
	b = appendString(b, handshakeNodeID, h.NodeID)
	b = appendString(b, handshakeAddr, h.Addr)
	b = appendString(b, handshakeVersion, h.Version)
	for k, v := range h.Metadata {
		var entry []byte
		entry = appendString(entry, entryKey, k)
		entry = appendString(entry, entryValue, v)
		b = protowire.AppendTag(b, handshakeMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// Unmarshal decodes a handshake. Unknown fields are skipped.
func (h *Handshake) Unmarshal(b []byte) error {
	*h = Handshake{Metadata: make(map[string]string)}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("handshake tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType || num > handshakeMetadata {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("handshake field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("handshake field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case handshakeNodeID:
			h.NodeID = string(v)
		case handshakeAddr:
			h.Addr = string(v)
		case handshakeVersion:
			h.Version = string(v)
		case handshakeMetadata:
			key, value, err := decodeEntry(v)
			if err != nil {
				return err
			}
			h.Metadata[key] = value
		}
	}
	return nil
}

func decodeEntry(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", "", fmt.Errorf("metadata entry: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", "", fmt.Errorf("metadata entry: %w", protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return "", "", fmt.Errorf("metadata entry: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch num {
		case entryKey:
			key = v
		case entryValue:
			value = v
		}
	}
	return key, value, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
