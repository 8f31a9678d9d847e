package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/luoyjx/crdt-swarm/network/protocol"
	"github.com/luoyjx/crdt-swarm/proto"
)

// Source supplies the local snapshots served to and pushed at peers
type Source interface {
	Snapshots(now int64) ([]*proto.Envelope, error)
}

// Peer represents a remote node
type Peer struct {
	Address string // http base, e.g. http://127.0.0.1:8083
}

// Config for Syncer
type Config struct {
	Peers    []Peer
	Interval time.Duration
	// Clock supplies the timestamp stamped on outgoing snapshots
	Clock  func() int64
	Logger *slog.Logger
}

// Batch is the body exchanged by /snapshots and /apply
type Batch struct {
	Snapshots []*proto.Envelope `json:"snapshots"`
}

// Syncer performs periodic HTTP anti-entropy with peers that cannot be
// reached over the gossip transport. Every round pulls the full state of
// each peer and pushes ours; merge idempotence makes repeats harmless.
type Syncer struct {
	cfg        Config
	source     Source
	handler    protocol.SnapshotHandler
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a syncer that serves source and merges into handler
func New(cfg Config, source Source, handler protocol.SnapshotHandler) *Syncer {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = func() int64 { return time.Now().UnixMilli() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		cfg:        cfg,
		source:     source,
		handler:    handler,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		logger:     logger.With("component", "syncer"),
	}
}

// Run replicates every interval until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ReplicateOnce(ctx)
		}
	}
}

// ReplicateOnce pulls from every peer and pushes our snapshots to them
func (s *Syncer) ReplicateOnce(ctx context.Context) {
	for _, p := range s.cfg.Peers {
		if err := s.pullFromPeer(ctx, p); err != nil {
			s.logger.Debug("pull failed", "peer", p.Address, "error", err)
		}
	}
	if err := s.pushToPeers(ctx); err != nil {
		s.logger.Debug("push failed", "error", err)
	}
}

func (s *Syncer) pullFromPeer(ctx context.Context, p Peer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Address+"/snapshots", nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var batch Batch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return fmt.Errorf("decode batch: %w", err)
	}
	s.apply(ctx, batch)
	return nil
}

func (s *Syncer) apply(ctx context.Context, batch Batch) {
	for _, env := range batch.Snapshots {
		if env == nil {
			continue
		}
		if err := s.handler.HandleSnapshot(ctx, env); err != nil {
			s.logger.Warn("failed to apply synced snapshot", "container", env.Name, "error", err)
		}
	}
}

func (s *Syncer) pushToPeers(ctx context.Context) error {
	snapshots, err := s.source.Snapshots(s.cfg.Clock())
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		return nil
	}
	data, err := json.Marshal(Batch{Snapshots: snapshots})
	if err != nil {
		return err
	}
	for _, p := range s.cfg.Peers {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Address+"/apply", bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.logger.Debug("push to peer failed", "peer", p.Address, "error", err)
			continue
		}
		resp.Body.Close()
	}
	return nil
}

// Handler serves GET /snapshots and POST /apply for remote syncers
func (s *Syncer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshots", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snapshots, err := s.source.Snapshots(s.cfg.Clock())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Batch{Snapshots: snapshots})
	})
	mux.HandleFunc("/apply", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var batch Batch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.apply(r.Context(), batch)
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
