package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luoyjx/crdt-swarm/network/protocol"
	"github.com/luoyjx/crdt-swarm/proto"
)

type collector struct {
	mu   sync.Mutex
	envs []*proto.Envelope
}

func (c *collector) HandleSnapshot(ctx context.Context, env *proto.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.envs))
	for _, env := range c.envs {
		names = append(names, env.Name)
	}
	return names
}

func startManager(t *testing.T, id string, handler protocol.SnapshotHandler, seeds ...string) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		NodeID:            id,
		ListenAddr:        "127.0.0.1:0",
		Seeds:             seeds,
		Handler:           handler,
		MaxRetries:        1,
		RetryBackoff:      10 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	})
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)
	return m
}

func TestManagerConnectAndBroadcast(t *testing.T) {
	recvA := &collector{}
	recvB := &collector{}
	a := startManager(t, "node-a", recvA)
	b := startManager(t, "node-b", recvB)

	require.NoError(t, a.Connect(context.Background(), b.Addr().String()))

	require.Eventually(t, func() bool {
		return len(a.GetPeers()) == 1 && len(b.GetPeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p, ok := a.GetPeer("node-b")
	require.True(t, ok)
	assert.Equal(t, "node-b", p.ID)

	assert.Equal(t, 1, a.Broadcast(&proto.Envelope{Type: proto.MessageType_SNAPSHOT, Name: "tiles"}))
	assert.Equal(t, 1, b.Broadcast(&proto.Envelope{Type: proto.MessageType_SNAPSHOT, Name: "visited"}))

	require.Eventually(t, func() bool {
		return len(recvB.names()) == 1 && len(recvA.names()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tiles"}, recvB.names())
	assert.Equal(t, []string{"visited"}, recvA.names())
}

func TestManagerRejectsSelfConnection(t *testing.T) {
	a := startManager(t, "node-a", nil)
	require.NoError(t, a.Connect(context.Background(), a.Addr().String()))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, a.GetPeers())
}

func TestManagerKeepsOneLinkPerPeer(t *testing.T) {
	a := startManager(t, "node-a", nil)
	b := startManager(t, "node-b", nil)

	require.NoError(t, a.Connect(context.Background(), b.Addr().String()))
	require.NoError(t, b.Connect(context.Background(), a.Addr().String()))

	require.Eventually(t, func() bool {
		pa, okA := a.GetPeer("node-b")
		pb, okB := b.GetPeer("node-a")
		// node-a has the smaller ID, so both sides settle on the link it dialed.
		return okA && okB && pa.IsAlive() && pb.IsAlive() && pa.outbound && !pb.outbound
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, a.GetPeers(), 1)
	assert.Len(t, b.GetPeers(), 1)
}

func TestManagerDialsSeeds(t *testing.T) {
	b := startManager(t, "node-b", nil)
	a := startManager(t, "node-a", nil, b.Addr().String())

	require.Eventually(t, func() bool {
		return len(a.GetPeers()) == 1 && len(b.GetPeers()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeerSendAfterClose(t *testing.T) {
	a := startManager(t, "node-a", nil)
	b := startManager(t, "node-b", nil)
	require.NoError(t, a.Connect(context.Background(), b.Addr().String()))

	p, ok := a.GetPeer("node-b")
	require.True(t, ok)
	p.Close()

	<-p.Closed()
	assert.False(t, p.IsAlive())
	assert.Error(t, p.Send(&proto.Envelope{Name: "x"}))
}

func TestGossipPublishAndFanOut(t *testing.T) {
	recv := &collector{}
	a := startManager(t, "node-a", nil)
	b := startManager(t, "node-b", recv)
	require.NoError(t, a.Connect(context.Background(), b.Addr().String()))
	require.Eventually(t, func() bool { return len(a.GetPeers()) == 1 }, 2*time.Second, 10*time.Millisecond)

	g := NewGossip(a, GossipConfig{FanOut: 1, GossipInterval: 20 * time.Millisecond})
	g.Start()
	defer g.Stop()

	require.NoError(t, g.Publish(context.Background(), &proto.Envelope{Name: "party", Timestamp: 1}))
	require.NoError(t, g.Publish(context.Background(), &proto.Envelope{Name: "party", Timestamp: 2}))

	// The immediate pushes plus at least one periodic round.
	require.Eventually(t, func() bool { return len(recv.names()) >= 3 }, 2*time.Second, 10*time.Millisecond)

	latest := g.latest.All()
	require.Len(t, latest, 1)
	assert.Equal(t, int64(2), latest[0].Timestamp)
}

func TestGossipPublishCanceled(t *testing.T) {
	a := NewManager(ManagerConfig{NodeID: "node-a"})
	g := NewGossip(a, GossipConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Publish(ctx, &proto.Envelope{Name: "x"}), context.Canceled)
	assert.Empty(t, g.latest.All())
}

func TestSelectPeers(t *testing.T) {
	g := NewGossip(nil, GossipConfig{FanOut: 2})
	peers := []*Peer{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	assert.Len(t, g.selectPeers(peers, 2), 2)
	assert.Len(t, g.selectPeers(peers, 5), 3)
}
