package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luoyjx/crdt-swarm/proto"
)

func TestEncodeDecodeMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "snapshot",
			msg: &Message{Type: MessageTypeSnapshot, Envelope: &proto.Envelope{
				Type: proto.MessageType_SNAPSHOT, SenderID: "a", Name: "tiles", Kind: 6, Timestamp: 9,
				Payload: []byte(`{"entries":[]}`),
			}},
		},
		{
			name: "handshake",
			msg: &Message{Type: MessageTypeHandshake, Handshake: &proto.Handshake{
				NodeID: "a", Addr: "127.0.0.1:1", Version: "1", Metadata: map[string]string{"k": "v"},
			}},
		},
		{name: "heartbeat", msg: &Message{Type: MessageTypeHeartbeat}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeMessage(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, byte(tt.msg.Type), data[0])
			assert.Equal(t, uint32(len(data)-HeaderSize), binary.BigEndian.Uint32(data[1:HeaderSize]))

			got, err := DecodeMessage(bytes.NewReader(data))
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type, got.Type)
			assert.Equal(t, tt.msg.Envelope, got.Envelope)
			if tt.msg.Handshake != nil {
				assert.Equal(t, tt.msg.Handshake, got.Handshake)
			}
		})
	}
}

func TestEncodeMessageErrors(t *testing.T) {
	_, err := EncodeMessage(&Message{Type: MessageTypeSnapshot})
	assert.Error(t, err)

	_, err = EncodeMessage(&Message{Type: MessageTypeHandshake})
	assert.Error(t, err)

	_, err = EncodeMessage(&Message{Type: 42})
	assert.Error(t, err)

	big := &proto.Envelope{Payload: make([]byte, MaxMessageSize)}
	_, err = EncodeMessage(&Message{Type: MessageTypeSnapshot, Envelope: big})
	assert.Error(t, err)
}

func TestDecodeMessageRejectsOversizedFrame(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = byte(MessageTypeSnapshot)
	binary.BigEndian.PutUint32(header[1:], MaxMessageSize)

	_, err := DecodeMessage(bytes.NewReader(header))
	assert.Error(t, err)
}

func TestCodecOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sender := NewCodec(client)
	receiver := NewCodec(server)

	env := &proto.Envelope{Type: proto.MessageType_SNAPSHOT, Name: "visited", Payload: []byte("x")}
	done := make(chan error, 1)
	go func() {
		done <- sender.WriteMessage(&Message{Type: MessageTypeSnapshot, Envelope: env})
	}()

	msg, err := receiver.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.Equal(t, env, msg.Envelope)

	client.Close()
	_, err = receiver.ReadMessage()
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

type recordingHandler struct {
	snapshots  []*proto.Envelope
	handshakes []*proto.Handshake
}

func (r *recordingHandler) HandleSnapshot(ctx context.Context, env *proto.Envelope) error {
	r.snapshots = append(r.snapshots, env)
	return nil
}

func (r *recordingHandler) HandleHandshake(ctx context.Context, hs *proto.Handshake) error {
	r.handshakes = append(r.handshakes, hs)
	return nil
}

func TestHandlerDispatch(t *testing.T) {
	rec := &recordingHandler{}
	h := NewHandler(rec, rec, nil)
	ctx := context.Background()

	require.NoError(t, h.HandleMessage(ctx, &Message{Type: MessageTypeSnapshot, Envelope: &proto.Envelope{Name: "a"}}))
	require.NoError(t, h.HandleMessage(ctx, &Message{Type: MessageTypeHandshake, Handshake: &proto.Handshake{NodeID: "n"}}))
	require.NoError(t, h.HandleMessage(ctx, &Message{Type: MessageTypeHeartbeat}))

	assert.Len(t, rec.snapshots, 1)
	assert.Len(t, rec.handshakes, 1)

	assert.Error(t, h.HandleMessage(ctx, &Message{Type: MessageTypeSnapshot}))
	assert.Error(t, h.HandleMessage(ctx, &Message{Type: 0}))
}
