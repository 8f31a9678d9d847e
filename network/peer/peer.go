package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/luoyjx/crdt-swarm/network/protocol"
	"github.com/luoyjx/crdt-swarm/proto"
)

// Peer represents a remote replica connected over TCP
type Peer struct {
	ID        string
	Addr      string
	outbound  bool
	conn      net.Conn
	codec     *protocol.Codec
	sendCh    chan *proto.Envelope
	closeCh   chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	lastSeen  time.Time
	timeout   time.Duration
	logger    *slog.Logger
}

// NewPeer creates a new peer instance for an established connection
func NewPeer(id string, addr string, conn net.Conn, outbound bool) *Peer {
	return newPeer(id, addr, conn, protocol.NewCodec(conn), outbound)
}

func newPeer(id, addr string, conn net.Conn, codec *protocol.Codec, outbound bool) *Peer {
	return &Peer{
		ID:       id,
		Addr:     addr,
		outbound: outbound,
		conn:     conn,
		codec:    codec,
		sendCh:   make(chan *proto.Envelope, 1000),
		closeCh:  make(chan struct{}),
		lastSeen: time.Now(),
		timeout:  5 * time.Second,
		logger:   slog.Default(),
	}
}

// Start starts the peer's send and receive loops
func (p *Peer) Start(ctx context.Context, handler protocol.SnapshotHandler, heartbeat time.Duration) {
	go p.sendLoop(ctx, heartbeat)
	go p.receiveLoop(ctx, handler)
}

// Send queues an envelope for the peer. It never blocks; when the queue is
// full the envelope is dropped and a later gossip round resends the state.
func (p *Peer) Send(env *proto.Envelope) error {
	select {
	case <-p.closeCh:
		return fmt.Errorf("peer %s is closed", p.ID)
	default:
	}

	select {
	case p.sendCh <- env:
		return nil
	default:
		return fmt.Errorf("send channel full for peer %s", p.ID)
	}
}

// Close closes the peer connection
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
		p.conn.Close()
	})
}

// Closed returns a channel that is closed when the peer shuts down
func (p *Peer) Closed() <-chan struct{} {
	return p.closeCh
}

func (p *Peer) sendLoop(ctx context.Context, heartbeat time.Duration) {
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-p.closeCh:
			return
		case env := <-p.sendCh:
			if err := p.codec.WriteMessage(&protocol.Message{
				Type:     protocol.MessageTypeSnapshot,
				Envelope: env,
			}); err != nil {
				p.logger.Debug("peer write failed", "peer", p.ID, "error", err)
				p.Close()
				return
			}
		case <-ticker.C:
			if err := p.codec.WriteMessage(&protocol.Message{
				Type: protocol.MessageTypeHeartbeat,
			}); err != nil {
				p.logger.Debug("peer heartbeat failed", "peer", p.ID, "error", err)
				p.Close()
				return
			}
		}
	}
}

func (p *Peer) receiveLoop(ctx context.Context, handler protocol.SnapshotHandler) {
	for {
		msg, err := p.codec.ReadMessage()
		if err != nil {
			p.Close()
			return
		}

		p.mu.Lock()
		p.lastSeen = time.Now()
		p.mu.Unlock()

		switch msg.Type {
		case protocol.MessageTypeSnapshot:
			if msg.Envelope != nil && handler != nil {
				if err := handler.HandleSnapshot(ctx, msg.Envelope); err != nil {
					p.logger.Warn("failed to apply peer snapshot",
						"peer", p.ID, "container", msg.Envelope.Name, "error", err)
				}
			}
		case protocol.MessageTypeHeartbeat:
			// lastSeen already updated
		}
	}
}

// IsAlive returns true if the peer has been heard from recently and is open
func (p *Peer) IsAlive() bool {
	select {
	case <-p.closeCh:
		return false
	default:
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.lastSeen) < p.timeout
}
