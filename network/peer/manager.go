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

// ProtocolVersion is sent in every handshake
const ProtocolVersion = "1"

// ManagerConfig holds configuration for the peer manager
type ManagerConfig struct {
	NodeID            string
	ListenAddr        string
	Seeds             []string
	Handler           protocol.SnapshotHandler
	MaxRetries        int
	RetryBackoff      time.Duration
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	Metadata          map[string]string
	Logger            *slog.Logger
}

// Manager manages peer connections and message broadcasting
type Manager struct {
	mu       sync.RWMutex
	cfg      ManagerConfig
	peers    map[string]*Peer
	listener net.Listener
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a new peer manager
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 5 * cfg.HeartbeatInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:    cfg,
		peers:  make(map[string]*Peer),
		logger: logger.With("component", "peer-manager"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start opens the listener and begins dialing the configured seeds
func (m *Manager) Start() error {
	listener, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start peer listener: %w", err)
	}
	m.listener = listener
	m.logger.Info("peer listener started", "addr", listener.Addr().String(), "node_id", m.cfg.NodeID)

	m.wg.Add(2)
	go m.acceptLoop()
	go m.monitorPeers()

	m.dialSeeds()
	return nil
}

// Addr returns the listener address, or nil before Start
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Stop closes the listener and every peer connection
func (m *Manager) Stop() {
	m.cancel()
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	for id, p := range m.peers {
		p.Close()
		delete(m.peers, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Broadcast queues env for every live peer and returns how many accepted it
func (m *Manager) Broadcast(env *proto.Envelope) int {
	sent := 0
	for _, p := range m.GetPeers() {
		if err := p.Send(env); err != nil {
			m.logger.Debug("broadcast skipped peer", "peer", p.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Connect dials addr, exchanges handshakes and registers the peer
func (m *Manager) Connect(ctx context.Context, addr string) error {
	var (
		conn net.Conn
		err  error
	)

	dialer := net.Dialer{Timeout: 5 * time.Second}
	for i := 0; i < m.cfg.MaxRetries; i++ {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if i < m.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.cfg.RetryBackoff):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to peer %s after %d retries: %w", addr, m.cfg.MaxRetries, err)
	}

	codec := protocol.NewCodec(conn)
	codec.SetDeadline(time.Now().Add(5 * time.Second))
	if err := codec.WriteMessage(m.handshakeMessage()); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	remote, err := readHandshake(codec)
	if err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s: %w", addr, err)
	}
	codec.SetDeadline(time.Time{})

	m.register(newPeer(remote.NodeID, addr, conn, codec, true))
	return nil
}

func (m *Manager) handshakeMessage() *protocol.Message {
	addr := m.cfg.ListenAddr
	if m.listener != nil {
		addr = m.listener.Addr().String()
	}
	return &protocol.Message{
		Type: protocol.MessageTypeHandshake,
		Handshake: &proto.Handshake{
			NodeID:   m.cfg.NodeID,
			Addr:     addr,
			Version:  ProtocolVersion,
			Metadata: m.cfg.Metadata,
		},
	}
}

func readHandshake(codec *protocol.Codec) (*proto.Handshake, error) {
	msg, err := codec.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type != protocol.MessageTypeHandshake || msg.Handshake == nil {
		return nil, fmt.Errorf("expected handshake, got %s", msg.Type)
	}
	if msg.Handshake.NodeID == "" {
		return nil, fmt.Errorf("handshake without node id")
	}
	if msg.Handshake.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %q", msg.Handshake.Version)
	}
	return msg.Handshake, nil
}

// register adds p, resolving self connections and duplicate links. When two
// replicas dial each other at once, both keep the link opened by the node
// with the smaller ID.
func (m *Manager) register(p *Peer) {
	if p.ID == m.cfg.NodeID {
		p.Close()
		return
	}
	p.timeout = m.cfg.PeerTimeout
	p.logger = m.logger.With("peer", p.ID)

	m.mu.Lock()
	if existing, ok := m.peers[p.ID]; ok && existing.IsAlive() {
		if m.initiator(p) >= m.initiator(existing) {
			m.mu.Unlock()
			p.Close()
			return
		}
		existing.Close()
	}
	m.peers[p.ID] = p
	m.mu.Unlock()

	m.logger.Info("peer connected", "peer", p.ID, "addr", p.Addr, "outbound", p.outbound)
	p.Start(m.ctx, m.cfg.Handler, m.cfg.HeartbeatInterval)
}

func (m *Manager) initiator(p *Peer) string {
	if p.outbound {
		return m.cfg.NodeID
	}
	return p.ID
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			m.logger.Warn("accept failed", "error", err)
			continue
		}

		go m.handleIncomingConnection(conn)
	}
}

func (m *Manager) handleIncomingConnection(conn net.Conn) {
	codec := protocol.NewCodec(conn)
	codec.SetDeadline(time.Now().Add(5 * time.Second))

	remote, err := readHandshake(codec)
	if err != nil {
		m.logger.Warn("rejected incoming connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	if err := codec.WriteMessage(m.handshakeMessage()); err != nil {
		conn.Close()
		return
	}
	codec.SetDeadline(time.Time{})

	addr := remote.Addr
	if addr == "" {
		addr = conn.RemoteAddr().String()
	}
	m.register(newPeer(remote.NodeID, addr, conn, codec, false))
}

func (m *Manager) dialSeeds() {
	for _, addr := range m.cfg.Seeds {
		if m.connectedTo(addr) {
			continue
		}
		go func(addr string) {
			if err := m.Connect(m.ctx, addr); err != nil && m.ctx.Err() == nil {
				m.logger.Debug("seed dial failed", "addr", addr, "error", err)
			}
		}(addr)
	}
}

func (m *Manager) connectedTo(addr string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.Addr == addr && p.IsAlive() {
			return true
		}
	}
	return false
}

func (m *Manager) monitorPeers() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	redial := 0
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkPeers()
			redial++
			if redial%5 == 0 {
				m.dialSeeds()
			}
		}
	}
}

func (m *Manager) checkPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.peers {
		if !p.IsAlive() {
			p.Close()
			delete(m.peers, id)
			m.logger.Info("peer disconnected", "peer", id)
		}
	}
}

// GetPeers returns all live peers
func (m *Manager) GetPeers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.IsAlive() {
			peers = append(peers, p)
		}
	}
	return peers
}

// GetPeer returns a specific peer by ID
func (m *Manager) GetPeer(id string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}
