package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luoyjx/crdt-swarm/proto"
)

// SnapshotHandler handles container snapshots received from peers
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, env *proto.Envelope) error
}

// SnapshotHandlerFunc adapts a function to SnapshotHandler
type SnapshotHandlerFunc func(ctx context.Context, env *proto.Envelope) error

// HandleSnapshot implements SnapshotHandler
func (f SnapshotHandlerFunc) HandleSnapshot(ctx context.Context, env *proto.Envelope) error {
	return f(ctx, env)
}

// HandshakeHandler handles handshake messages
type HandshakeHandler interface {
	HandleHandshake(ctx context.Context, handshake *proto.Handshake) error
}

// ErrorHandler handles protocol errors
type ErrorHandler interface {
	HandleError(ctx context.Context, err error)
}

// Handler dispatches decoded messages
type Handler struct {
	snapshotHandler  SnapshotHandler
	handshakeHandler HandshakeHandler
	errorHandler     ErrorHandler
}

// NewHandler creates a new protocol handler. Any of the handlers may be nil.
func NewHandler(snapshots SnapshotHandler, handshakes HandshakeHandler, errs ErrorHandler) *Handler {
	return &Handler{
		snapshotHandler:  snapshots,
		handshakeHandler: handshakes,
		errorHandler:     errs,
	}
}

// HandleMessage handles an incoming protocol message
func (h *Handler) HandleMessage(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case MessageTypeSnapshot:
		if msg.Envelope == nil {
			return fmt.Errorf("snapshot message with nil envelope")
		}
		if h.snapshotHandler != nil {
			return h.snapshotHandler.HandleSnapshot(ctx, msg.Envelope)
		}

	case MessageTypeHandshake:
		if msg.Handshake == nil {
			return fmt.Errorf("handshake message with nil handshake data")
		}
		if h.handshakeHandler != nil {
			return h.handshakeHandler.HandleHandshake(ctx, msg.Handshake)
		}

	case MessageTypeHeartbeat:
		// Heartbeat messages are handled at the peer level
		return nil

	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}

	return nil
}

// HandleError handles a protocol error
func (h *Handler) HandleError(ctx context.Context, err error) {
	if h.errorHandler != nil {
		h.errorHandler.HandleError(ctx, err)
		return
	}
	slog.Default().WarnContext(ctx, "protocol error", "error", err)
}

// LogErrorHandler reports protocol errors to a logger
type LogErrorHandler struct {
	Logger *slog.Logger
}

// HandleError implements ErrorHandler
func (h *LogErrorHandler) HandleError(ctx context.Context, err error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.WarnContext(ctx, "protocol error", "error", err)
}
