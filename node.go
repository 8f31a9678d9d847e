package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/luoyjx/crdt-swarm/config"
	"github.com/luoyjx/crdt-swarm/crdt"
	"github.com/luoyjx/crdt-swarm/network/peer"
	"github.com/luoyjx/crdt-swarm/network/relay"
	"github.com/luoyjx/crdt-swarm/redisprotocol"
	"github.com/luoyjx/crdt-swarm/server"
	"github.com/luoyjx/crdt-swarm/storage"
	"github.com/luoyjx/crdt-swarm/syncer"
	"github.com/luoyjx/crdt-swarm/world"
)

func clock() crdt.Timestamp {
	return time.Now().UnixMilli()
}

// node wires one replica: storage, the container server, the shared world
// and every transport enabled in the config.
type node struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *storage.SnapshotStore
	server *server.Server
	world  *world.Knowledge

	peers  *peer.Manager
	gossip *peer.Gossip
	relay  *relay.Relay
	syncer *syncer.Syncer
	admin  *redisprotocol.RedisServer

	syncLn    net.Listener
	metricsLn net.Listener
}

func newNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (n *node, err error) {
	store, err := storage.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			store.Close()
		}
	}()

	stored, err := store.ReplicaID()
	if err != nil {
		return nil, err
	}
	replicaID, generated := cfg.ResolveReplicaID(stored)
	if generated || replicaID != stored {
		if err := store.SetReplicaID(replicaID); err != nil {
			return nil, err
		}
	}
	logger = logger.With("replica_id", replicaID)

	srv, err := server.NewServer(server.Config{
		ReplicaID: replicaID,
		Store:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	knowledge := world.NewKnowledge(cfg.BotID, cfg.PartySize)
	if err := knowledge.Register(srv, cfg.Prefix); err != nil {
		return nil, err
	}
	if err := srv.Restore(ctx); err != nil {
		return nil, err
	}

	n = &node{
		cfg:    cfg,
		logger: logger,
		store:  store,
		server: srv,
		world:  knowledge,
	}

	n.peers = peer.NewManager(peer.ManagerConfig{
		NodeID:            replicaID,
		ListenAddr:        cfg.PeerAddr,
		Seeds:             cfg.Seeds,
		Handler:           srv,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PeerTimeout:       cfg.PeerTimeout,
		Metadata:          map[string]string{"bot_id": cfg.BotID},
		Logger:            logger,
	})
	n.gossip = peer.NewGossip(n.peers, peer.GossipConfig{
		FanOut:         cfg.GossipFanOut,
		GossipInterval: cfg.GossipInterval,
	})
	broadcasters := server.Broadcasters{n.gossip}

	if cfg.RelayAddr != "" {
		n.relay = relay.New(relay.Config{
			Addr:     cfg.RelayAddr,
			Password: cfg.RelayPassword,
			DB:       cfg.RelayDB,
			Channel:  cfg.RelayChannel,
			NodeID:   replicaID,
			Handler:  srv,
			Logger:   logger,

			RetryInterval: cfg.RetryInterval,
		})
		broadcasters = append(broadcasters, n.relay)
	}
	srv.SetBroadcaster(broadcasters)

	if cfg.SyncAddr != "" {
		peers := make([]syncer.Peer, len(cfg.SyncPeers))
		for i, addr := range cfg.SyncPeers {
			peers[i] = syncer.Peer{Address: addr}
		}
		n.syncer = syncer.New(syncer.Config{
			Peers:    peers,
			Interval: cfg.SyncInterval,
			Clock:    clock,
			Logger:   logger,
		}, srv, srv)
	}

	if cfg.AdminAddr != "" {
		n.admin = redisprotocol.NewRedisServer(srv, redisprotocol.Config{
			Clock:  clock,
			Logger: logger,
		})
	}
	return n, nil
}

// start binds every listener so their addresses are known before run
func (n *node) start() error {
	if err := n.peers.Start(); err != nil {
		return err
	}
	n.gossip.Start()

	if n.admin != nil {
		if err := n.admin.Start(n.cfg.AdminAddr); err != nil {
			return err
		}
	}

	if n.relay != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := n.relay.Ping(ctx); err != nil {
			n.logger.Warn("relay unreachable, will keep retrying", "addr", n.cfg.RelayAddr, "error", err)
		}
		cancel()
	}

	var err error
	if n.syncer != nil {
		if n.syncLn, err = net.Listen("tcp", n.cfg.SyncAddr); err != nil {
			return fmt.Errorf("sync listener: %w", err)
		}
	}
	if n.cfg.MetricsAddr != "" {
		if n.metricsLn, err = net.Listen("tcp", n.cfg.MetricsAddr); err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	n.logger.Info("node started",
		"peer_addr", n.peers.Addr().String(),
		"containers", len(n.server.Names()),
		"relay", n.relay != nil,
		"sync", n.syncer != nil,
	)
	return nil
}

// run ticks the server and serves the optional endpoints until ctx is done
func (n *node) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(n.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := n.server.Tick(ctx, clock()); err != nil && ctx.Err() == nil {
					n.logger.Warn("tick failed", "error", err)
				}
			}
		}
	})

	if n.relay != nil {
		g.Go(func() error { return n.relay.Run(ctx) })
	}
	if n.syncer != nil {
		g.Go(func() error { return n.syncer.Run(ctx) })
		serveHTTP(ctx, g, n.syncLn, n.syncer.Handler())
	}
	if n.metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		serveHTTP(ctx, g, n.metricsLn, mux)
	}

	return g.Wait()
}

func serveHTTP(ctx context.Context, g *errgroup.Group, ln net.Listener, handler http.Handler) {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

func (n *node) close() {
	// Persist and publish the final state before the transports go away.
	if err := n.server.Tick(context.Background(), clock()); err != nil {
		n.logger.Debug("final tick", "error", err)
	}

	n.gossip.Stop()
	n.peers.Stop()
	if n.admin != nil {
		n.admin.Close()
	}
	if n.relay != nil {
		n.relay.Close()
	}
	for _, ln := range []net.Listener{n.syncLn, n.metricsLn} {
		if ln != nil {
			ln.Close()
		}
	}
	if err := n.store.Close(); err != nil {
		n.logger.Warn("failed to close store", "error", err)
	}
}
