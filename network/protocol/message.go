package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/luoyjx/crdt-swarm/proto"
)

// MessageType represents the type of protocol message
type MessageType uint8

const (
	// MessageTypeSnapshot carries a container snapshot envelope
	MessageTypeSnapshot MessageType = iota + 1
	// MessageTypeHeartbeat represents a heartbeat message
	MessageTypeHeartbeat
	// MessageTypeHandshake represents a handshake message
	MessageTypeHandshake
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSnapshot:
		return "snapshot"
	case MessageTypeHeartbeat:
		return "heartbeat"
	case MessageTypeHandshake:
		return "handshake"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message represents a protocol message
type Message struct {
	Type      MessageType
	Envelope  *proto.Envelope
	Handshake *proto.Handshake
}

// Protocol constants
const (
	MaxMessageSize = 10 * 1024 * 1024 // 10MB
	HeaderSize     = 5                // 1 byte type + 4 bytes length
)

// EncodeMessage encodes a message to a byte slice
func EncodeMessage(msg *Message) ([]byte, error) {
	var payload []byte

	switch msg.Type {
	case MessageTypeSnapshot:
		if msg.Envelope == nil {
			return nil, fmt.Errorf("snapshot message with nil envelope")
		}
		payload = msg.Envelope.Marshal()

	case MessageTypeHandshake:
		if msg.Handshake == nil {
			return nil, fmt.Errorf("handshake message with nil handshake data")
		}
		payload = msg.Handshake.Marshal()

	case MessageTypeHeartbeat:
		// Heartbeat has no payload

	default:
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if len(payload) > MaxMessageSize-HeaderSize {
		return nil, fmt.Errorf("message payload too large: %d bytes", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(msg.Type)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// DecodeMessage decodes a message from a reader
func DecodeMessage(r io.Reader) (*Message, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	msgType := MessageType(header[0])
	payloadLen := binary.BigEndian.Uint32(header[1:HeaderSize])

	if payloadLen > MaxMessageSize-HeaderSize {
		return nil, fmt.Errorf("message payload too large: %d bytes", payloadLen)
	}

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("failed to read message payload: %w", err)
		}
	}

	msg := &Message{Type: msgType}

	switch msgType {
	case MessageTypeSnapshot:
		env := &proto.Envelope{}
		if err := env.Unmarshal(payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
		}
		msg.Envelope = env

	case MessageTypeHandshake:
		hs := &proto.Handshake{}
		if err := hs.Unmarshal(payload); err != nil {
			return nil, fmt.Errorf("failed to decode handshake: %w", err)
		}
		msg.Handshake = hs

	case MessageTypeHeartbeat:
		// No payload to parse

	default:
		return nil, fmt.Errorf("unknown message type: %s", msgType)
	}

	return msg, nil
}
