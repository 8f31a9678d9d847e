package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:      MessageType_SNAPSHOT,
		SenderID:  "bot-1",
		Name:      "world.claims",
		Kind:      5,
		Timestamp: -42,
		Payload:   []byte(`{"entries":[]}`),
	}

	var got Envelope
	require.NoError(t, got.Unmarshal(env.Marshal()))
	assert.Equal(t, *env, got)
}

func TestEnvelopeEmpty(t *testing.T) {
	var got Envelope
	require.NoError(t, got.Unmarshal((&Envelope{}).Marshal()))
	assert.Equal(t, Envelope{}, got)
}

func TestEnvelopeSkipsUnknownFields(t *testing.T) {
	env := &Envelope{Type: MessageType_SNAPSHOT, Name: "n"}
	b := env.Marshal()
	b = protowire.AppendTag(b, 99, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	b = protowire.AppendTag(b, 100, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	var got Envelope
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, "n", got.Name)
}

func TestEnvelopeTruncated(t *testing.T) {
	b := (&Envelope{Name: "container", Payload: []byte("data")}).Marshal()

	var got Envelope
	assert.Error(t, got.Unmarshal(b[:len(b)-2]))
}

func TestHandshakeRoundTrip(t *testing.T) {
	hs := &Handshake{
		NodeID:   "node-a",
		Addr:     "127.0.0.1:7946",
		Version:  "1",
		Metadata: map[string]string{"role": "scout", "team": "blue"},
	}

	var got Handshake
	require.NoError(t, got.Unmarshal(hs.Marshal()))
	assert.Equal(t, *hs, got)
}
