package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/luoyjx/crdt-swarm/crdt"
	"github.com/luoyjx/crdt-swarm/proto"
)

var (
	// ErrUnknownContainer is returned for names that were never registered
	ErrUnknownContainer = errors.New("unknown container")
	// ErrDuplicateContainer is returned when a name is registered twice
	ErrDuplicateContainer = errors.New("container already registered")
	// ErrWrongType is returned by Access when the container has another type
	ErrWrongType = errors.New("container has a different type")
)

// Broadcaster delivers envelopes to other replicas
type Broadcaster interface {
	Publish(ctx context.Context, env *proto.Envelope) error
}

// Broadcasters publishes every envelope to each of its members
type Broadcasters []Broadcaster

// Publish implements Broadcaster. Every member is tried; failures are joined.
func (bs Broadcasters) Publish(ctx context.Context, env *proto.Envelope) error {
	var errs []error
	for _, b := range bs {
		if err := b.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SnapshotStore persists envelopes between restarts
type SnapshotStore interface {
	Save(env *proto.Envelope) error
	ForEach(fn func(env *proto.Envelope) error) error
	Delete(name string) error
}

// Config holds server configuration
type Config struct {
	ReplicaID   string
	Store       SnapshotStore // optional
	Broadcaster Broadcaster   // optional
	Logger      *slog.Logger
}

type entry struct {
	mu        sync.Mutex
	container crdt.Container
}

// Server owns the containers of one replica. Every access to a container is
// serialized, so the containers themselves need no locking.
type Server struct {
	mu          sync.RWMutex
	replicaID   string
	containers  map[string]*entry
	store       SnapshotStore
	broadcaster Broadcaster
	logger      *slog.Logger
}

// NewServer creates a server with no registered containers
func NewServer(cfg Config) (*Server, error) {
	if cfg.ReplicaID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		replicaID:   cfg.ReplicaID,
		containers:  make(map[string]*entry),
		store:       cfg.Store,
		broadcaster: cfg.Broadcaster,
		logger:      logger.With("component", "server", "replica_id", cfg.ReplicaID),
	}, nil
}

// ReplicaID returns the ID stamped on outgoing envelopes
func (s *Server) ReplicaID() string {
	return s.replicaID
}

// SetBroadcaster replaces the broadcaster used by Tick
func (s *Server) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcaster = b
}

// Register adds a container under name
func (s *Server) Register(name string, c crdt.Container) error {
	if name == "" {
		return fmt.Errorf("register: empty container name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateContainer)
	}
	s.containers[name] = &entry{container: c}
	containerSize.WithLabelValues(name).Set(float64(c.Len()))
	return nil
}

// Names returns the registered container names in order
func (s *Server) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.containers))
	for name := range s.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) lookup(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.containers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownContainer)
	}
	return e, nil
}

// Update runs fn with exclusive access to the named container
func (s *Server) Update(name string, fn func(c crdt.Container) error) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	err = fn(e.container)
	containerSize.WithLabelValues(name).Set(float64(e.container.Len()))
	return err
}

// View runs fn with access to the named container. fn must not modify it.
func (s *Server) View(name string, fn func(c crdt.Container) error) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.container)
}

// Access is Update for callers that know the concrete container type
func Access[C crdt.Container](s *Server, name string, fn func(c C) error) error {
	return s.Update(name, func(c crdt.Container) error {
		typed, ok := c.(C)
		if !ok {
			return fmt.Errorf("%q is a %s: %w", name, c.Kind(), ErrWrongType)
		}
		return fn(typed)
	})
}

// Snapshot returns an envelope holding the current state of name
func (s *Server) Snapshot(name string, now crdt.Timestamp) (*proto.Envelope, error) {
	var env *proto.Envelope
	err := s.View(name, func(c crdt.Container) error {
		var err error
		env, err = s.envelope(name, c, now)
		return err
	})
	return env, err
}

// Snapshots returns an envelope for every registered container
func (s *Server) Snapshots(now crdt.Timestamp) ([]*proto.Envelope, error) {
	names := s.Names()
	envs := make([]*proto.Envelope, 0, len(names))
	for _, name := range names {
		env, err := s.Snapshot(name, now)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *Server) envelope(name string, c crdt.Container, now crdt.Timestamp) (*proto.Envelope, error) {
	payload, err := c.MarshalSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot %q: %w", name, err)
	}
	snapshotBytes.Observe(float64(len(payload)))
	return &proto.Envelope{
		Type:      proto.MessageType_SNAPSHOT,
		SenderID:  s.replicaID,
		Name:      name,
		Kind:      uint32(c.Kind()),
		Timestamp: now,
		Payload:   payload,
	}, nil
}

// Cleanup drops expired elements from the named container
func (s *Server) Cleanup(name string, now crdt.Timestamp) (int, error) {
	removed := 0
	err := s.Update(name, func(c crdt.Container) error {
		before := c.Len()
		c.Cleanup(now)
		removed = before - c.Len()
		return nil
	})
	if removed > 0 {
		cleanupRemoved.WithLabelValues(name).Add(float64(removed))
	}
	return removed, err
}

// Tick cleans up every container at now, persists its snapshot and
// publishes it. Failures of one container do not stop the others; all of
// them are returned joined.
func (s *Server) Tick(ctx context.Context, now crdt.Timestamp) error {
	s.mu.RLock()
	broadcaster := s.broadcaster
	s.mu.RUnlock()

	var errs []error
	for _, name := range s.Names() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := s.Cleanup(name, now); err != nil {
			errs = append(errs, err)
			continue
		}

		env, err := s.Snapshot(name, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if s.store != nil {
			if err := s.store.Save(env); err != nil {
				errs = append(errs, fmt.Errorf("persist %q: %w", name, err))
			}
		}
		if broadcaster != nil {
			if err := broadcaster.Publish(ctx, env); err != nil {
				errs = append(errs, fmt.Errorf("publish %q: %w", name, err))
				continue
			}
			snapshotsPublished.WithLabelValues(name).Inc()
		}
	}
	return errors.Join(errs...)
}

// HandleSnapshot merges an envelope received from another replica.
// Envelopes sent by this replica and envelopes for containers this replica
// does not hold are ignored.
func (s *Server) HandleSnapshot(ctx context.Context, env *proto.Envelope) error {
	if env.SenderID == s.replicaID {
		return nil
	}
	return s.merge(ctx, env)
}

func (s *Server) merge(ctx context.Context, env *proto.Envelope) error {
	e, err := s.lookup(env.Name)
	if err != nil {
		s.logger.DebugContext(ctx, "ignoring snapshot for unknown container",
			"container", env.Name, "sender", env.SenderID)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	kind := e.container.Kind()
	if crdt.Kind(env.Kind) != kind {
		mergesTotal.WithLabelValues(kind.String(), resultKindMismatch).Inc()
		return fmt.Errorf("merge %q: %s into %s: %w", env.Name, crdt.Kind(env.Kind), kind, crdt.ErrKindMismatch)
	}

	if err := e.container.MergeSnapshot(env.Payload); err != nil {
		switch {
		case errors.Is(err, crdt.ErrIncompatibleConfiguration):
			mergesTotal.WithLabelValues(kind.String(), resultIncompatible).Inc()
			s.logger.WarnContext(ctx, "refused snapshot with incompatible configuration",
				"container", env.Name, "sender", env.SenderID, "error", err)
		case errors.Is(err, crdt.ErrInvalidSnapshot):
			mergesTotal.WithLabelValues(kind.String(), resultInvalid).Inc()
		}
		return fmt.Errorf("merge %q from %s: %w", env.Name, env.SenderID, err)
	}

	mergesTotal.WithLabelValues(kind.String(), resultMerged).Inc()
	containerSize.WithLabelValues(env.Name).Set(float64(e.container.Len()))
	return nil
}

// Restore merges every persisted snapshot into the registered containers.
// Snapshots that fail to merge are logged and skipped.
func (s *Server) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	restored := 0
	var stale []string
	err := s.store.ForEach(func(env *proto.Envelope) error {
		if _, err := s.lookup(env.Name); err != nil {
			stale = append(stale, env.Name)
			return nil
		}
		if err := s.merge(ctx, env); err != nil {
			s.logger.WarnContext(ctx, "skipping persisted snapshot", "container", env.Name, "error", err)
			return nil
		}
		restored++
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	// Snapshots of containers no longer registered, e.g. after a prefix change.
	for _, name := range stale {
		if err := s.store.Delete(name); err != nil {
			return fmt.Errorf("restore: drop %q: %w", name, err)
		}
	}
	s.logger.InfoContext(ctx, "restored persisted state", "snapshots", restored, "dropped", len(stale))
	return nil
}
