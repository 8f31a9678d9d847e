package redisprotocol

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"

	"github.com/luoyjx/crdt-swarm/crdt"
	"github.com/luoyjx/crdt-swarm/server"
)

// Config holds admin server configuration
type Config struct {
	// Clock supplies the timestamp used when a command omits one
	Clock  func() crdt.Timestamp
	Logger *slog.Logger
}

// RedisServer exposes a replica's containers over the Redis protocol
type RedisServer struct {
	server *server.Server
	clock  func() crdt.Timestamp
	logger *slog.Logger

	mu  sync.Mutex
	srv *redcon.Server
}

// NewRedisServer creates a new Redis protocol server
func NewRedisServer(s *server.Server, cfg Config) *RedisServer {
	clock := cfg.Clock
	if clock == nil {
		clock = func() crdt.Timestamp { return time.Now().UnixMilli() }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisServer{
		server: s,
		clock:  clock,
		logger: logger.With("component", "redisprotocol"),
	}
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (rs *RedisServer) Start(addr string) error {
	srv := redcon.NewServer(addr,
		rs.handleCommand,
		rs.handleConnect,
		rs.handleDisconnect,
	)
	signal := make(chan error, 1)
	go func() {
		if err := srv.ListenServeAndSignal(signal); err != nil {
			rs.logger.Debug("admin server stopped", "error", err)
		}
	}()
	if err := <-signal; err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	rs.mu.Lock()
	rs.srv = srv
	rs.mu.Unlock()
	rs.logger.Info("admin server started", "addr", srv.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start
func (rs *RedisServer) Addr() net.Addr {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.srv == nil {
		return nil
	}
	return rs.srv.Addr()
}

// Close stops listening
func (rs *RedisServer) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.srv == nil {
		return nil
	}
	err := rs.srv.Close()
	rs.srv = nil
	return err
}

// handleCommand processes Redis commands
func (rs *RedisServer) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	name := strings.ToLower(string(cmd.Args[0]))
	switch name {
	case "ping":
		if len(cmd.Args) == 1 {
			conn.WriteString("PONG")
		} else if len(cmd.Args) == 2 {
			conn.WriteBulk(cmd.Args[1])
		} else {
			wrongArgs(conn, name)
		}

	case "echo":
		if len(cmd.Args) != 2 {
			wrongArgs(conn, name)
			return
		}
		conn.WriteBulk(cmd.Args[1])

	case "client":
		// go-redis sends CLIENT SETINFO on connect
		conn.WriteString("OK")

	case "info":
		names := rs.server.Names()
		var b strings.Builder
		b.WriteString("# Server\r\n")
		b.WriteString("redis_mode:crdt-swarm\r\n")
		fmt.Fprintf(&b, "replica_id:%s\r\n", rs.server.ReplicaID())
		b.WriteString("# Containers\r\n")
		fmt.Fprintf(&b, "containers:%d\r\n", len(names))
		conn.WriteBulkString(b.String())

	case "crdt.list":
		names := rs.server.Names()
		conn.WriteArray(len(names))
		for _, n := range names {
			conn.WriteBulkString(n)
		}

	case "crdt.kind", "crdt.len", "crdt.snapshot":
		if len(cmd.Args) != 2 {
			wrongArgs(conn, name)
			return
		}
		rs.inspect(conn, name, string(cmd.Args[1]))

	case "crdt.merge":
		if len(cmd.Args) != 3 {
			wrongArgs(conn, name)
			return
		}
		err := rs.server.Update(string(cmd.Args[1]), func(c crdt.Container) error {
			return c.MergeSnapshot(cmd.Args[2])
		})
		writeResult(conn, err)

	case "crdt.cleanup":
		if len(cmd.Args) != 2 && len(cmd.Args) != 3 {
			wrongArgs(conn, name)
			return
		}
		now, ok := rs.optionalTime(conn, cmd.Args, 2)
		if !ok {
			return
		}
		removed, err := rs.server.Cleanup(string(cmd.Args[1]), now)
		if err != nil {
			writeError(conn, err)
			return
		}
		conn.WriteInt(removed)

	default:
		if handler, ok := typedCommands[name]; ok {
			if len(cmd.Args) < handler.minArgs || len(cmd.Args) > handler.maxArgs {
				wrongArgs(conn, name)
				return
			}
			handler.fn(rs, conn, cmd.Args)
			return
		}
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}
}

func (rs *RedisServer) inspect(conn redcon.Conn, cmd, container string) {
	err := rs.server.View(container, func(c crdt.Container) error {
		switch cmd {
		case "crdt.kind":
			conn.WriteString(c.Kind().String())
		case "crdt.len":
			conn.WriteInt(c.Len())
		case "crdt.snapshot":
			data, err := c.MarshalSnapshot()
			if err != nil {
				return err
			}
			conn.WriteBulk(data)
		}
		return nil
	})
	if err != nil {
		writeError(conn, err)
	}
}

// optionalTime parses args[i] as a timestamp, defaulting to the clock when
// the argument is absent.
func (rs *RedisServer) optionalTime(conn redcon.Conn, args [][]byte, i int) (crdt.Timestamp, bool) {
	if len(args) <= i {
		return rs.clock(), true
	}
	return parseTime(conn, args[i])
}

func parseTime(conn redcon.Conn, arg []byte) (crdt.Timestamp, bool) {
	ts, err := strconv.ParseInt(string(arg), 10, 64)
	if err != nil {
		conn.WriteError("ERR value is not an integer or out of range")
		return 0, false
	}
	return ts, true
}

func wrongArgs(conn redcon.Conn, cmd string) {
	conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", cmd))
}

func writeResult(conn redcon.Conn, err error) {
	if err != nil {
		writeError(conn, err)
		return
	}
	conn.WriteString("OK")
}

func writeError(conn redcon.Conn, err error) {
	switch {
	case errors.Is(err, server.ErrUnknownContainer):
		conn.WriteError("ERR no such container")
	case errors.Is(err, server.ErrWrongType):
		conn.WriteError("WRONGTYPE Operation against a container holding the wrong kind of value")
	case errors.Is(err, crdt.ErrIncompatibleConfiguration):
		conn.WriteError("INCOMPATIBLE " + err.Error())
	default:
		conn.WriteError("ERR " + err.Error())
	}
}

// handleConnect handles new connections
func (rs *RedisServer) handleConnect(conn redcon.Conn) bool {
	rs.logger.Debug("admin client connected", "remote", conn.RemoteAddr())
	return true
}

// handleDisconnect handles client disconnections
func (rs *RedisServer) handleDisconnect(conn redcon.Conn, err error) {
	rs.logger.Debug("admin client disconnected", "remote", conn.RemoteAddr(), "error", err)
}
