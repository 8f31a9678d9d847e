package peer

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/luoyjx/crdt-swarm/proto"
)

// GossipConfig holds configuration for the gossip protocol
type GossipConfig struct {
	// Number of peers to push to in each round
	FanOut int
	// Interval between gossip rounds
	GossipInterval time.Duration
}

// Gossip disseminates container snapshots. Only the latest snapshot of each
// container is kept: snapshots are full states, so a newer one subsumes the
// older ones and a lost message is repaired by the next round.
type Gossip struct {
	config  GossipConfig
	manager *Manager
	latest  *SnapshotBuffer
	ctx     context.Context
	cancel  context.CancelFunc
}

// SnapshotBuffer holds the most recent envelope per container name
type SnapshotBuffer struct {
	mu        sync.RWMutex
	snapshots map[string]*proto.Envelope
}

// NewSnapshotBuffer creates an empty buffer
func NewSnapshotBuffer() *SnapshotBuffer {
	return &SnapshotBuffer{snapshots: make(map[string]*proto.Envelope)}
}

// Put replaces the buffered envelope for env.Name
func (b *SnapshotBuffer) Put(env *proto.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[env.Name] = env
}

// All returns the buffered envelopes ordered by container name
func (b *SnapshotBuffer) All() []*proto.Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]*proto.Envelope, 0, len(b.snapshots))
	for _, env := range b.snapshots {
		result = append(result, env)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// NewGossip creates a new gossip protocol instance
func NewGossip(manager *Manager, config GossipConfig) *Gossip {
	if config.FanOut <= 0 {
		config.FanOut = 3
	}
	if config.GossipInterval <= 0 {
		config.GossipInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gossip{
		config:  config,
		manager: manager,
		latest:  NewSnapshotBuffer(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the gossip protocol
func (g *Gossip) Start() {
	go g.gossipLoop()
}

// Stop stops the gossip protocol
func (g *Gossip) Stop() {
	g.cancel()
}

// Publish records env as the latest state of its container and pushes it to
// every connected peer right away.
func (g *Gossip) Publish(ctx context.Context, env *proto.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.latest.Put(env)
	g.manager.Broadcast(env)
	return nil
}

func (g *Gossip) gossipLoop() {
	ticker := time.NewTicker(g.config.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.doGossip()
		}
	}
}

func (g *Gossip) doGossip() {
	peers := g.manager.GetPeers()
	if len(peers) == 0 {
		return
	}

	selectedPeers := g.selectPeers(peers, g.config.FanOut)
	snapshots := g.latest.All()
	if len(snapshots) == 0 {
		return
	}

	for _, p := range selectedPeers {
		for _, env := range snapshots {
			if err := p.Send(env); err != nil {
				break
			}
		}
	}
}

func (g *Gossip) selectPeers(peers []*Peer, count int) []*Peer {
	if len(peers) <= count {
		return peers
	}

	// Fisher-Yates shuffle
	result := make([]*Peer, len(peers))
	copy(result, peers)
	for i := len(result) - 1; i > 0; i-- {
		j := rand.Intn(i + 1)
		result[i], result[j] = result[j], result[i]
	}

	return result[:count]
}
