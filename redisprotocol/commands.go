package redisprotocol

import (
	"github.com/tidwall/redcon"

	"github.com/luoyjx/crdt-swarm/crdt"
	"github.com/luoyjx/crdt-swarm/server"
)

// Typed commands operate on containers holding strings. Arity bounds count
// the command name itself.
type typedCommand struct {
	minArgs, maxArgs int
	fn               func(rs *RedisServer, conn redcon.Conn, args [][]byte)
}

// stringMap is satisfied by both policies of CrdtMap[string, string, P]
type stringMap interface {
	crdt.Container
	Insert(key, value string, now crdt.Timestamp)
	Get(key string) (string, bool)
	ContainsKey(key string) bool
}

type (
	stringRegister = *crdt.ExpiringFWWRegister[string]
	stringGSet     = *crdt.GrowOnlySet[string]
	stringESet     = *crdt.ExpiringSet[string]
	stringSSet     = *crdt.SizedFWWExpiringSet[string]
)

var typedCommands = map[string]typedCommand{
	// REG.SET name value expires [now]
	"reg.set": {4, 5, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		expires, ok := parseTime(conn, args[3])
		if !ok {
			return
		}
		now, ok := rs.optionalTime(conn, args, 4)
		if !ok {
			return
		}
		writeResult(conn, server.Access(rs.server, string(args[1]), func(r stringRegister) error {
			r.Set(string(args[2]), now, expires)
			return nil
		}))
	}},

	// REG.GET name
	"reg.get": {2, 2, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		var (
			value string
			set   bool
		)
		err := server.Access(rs.server, string(args[1]), func(r stringRegister) error {
			value, set = r.Get()
			return nil
		})
		switch {
		case err != nil:
			writeError(conn, err)
		case !set:
			conn.WriteNull()
		default:
			conn.WriteBulkString(value)
		}
	}},

	// REG.EXPIRE name expires
	"reg.expire": {3, 3, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		expires, ok := parseTime(conn, args[2])
		if !ok {
			return
		}
		writeResult(conn, server.Access(rs.server, string(args[1]), func(r stringRegister) error {
			r.UpdateExpiry(expires)
			return nil
		}))
	}},

	// GSET.ADD name member [member ...]
	"gset.add": {3, 1 << 16, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		added := 0
		err := server.Access(rs.server, string(args[1]), func(s stringGSet) error {
			for _, m := range args[2:] {
				if !s.Contains(string(m)) {
					s.Insert(string(m))
					added++
				}
			}
			return nil
		})
		writeCount(conn, added, err)
	}},

	// GSET.HAS name member
	"gset.has": {3, 3, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		var has bool
		err := server.Access(rs.server, string(args[1]), func(s stringGSet) error {
			has = s.Contains(string(args[2]))
			return nil
		})
		writeBool(conn, has, err)
	}},

	// ESET.ADD name member expires
	"eset.add": {4, 4, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		expires, ok := parseTime(conn, args[3])
		if !ok {
			return
		}
		writeResult(conn, server.Access(rs.server, string(args[1]), func(s stringESet) error {
			s.Insert(string(args[2]), expires)
			return nil
		}))
	}},

	// ESET.HAS name member
	"eset.has": {3, 3, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		var has bool
		err := server.Access(rs.server, string(args[1]), func(s stringESet) error {
			has = s.Contains(string(args[2]))
			return nil
		})
		writeBool(conn, has, err)
	}},

	// SSET.ADD name member expires [now]; replies 1 when the member holds a slot
	"sset.add": {4, 5, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		expires, ok := parseTime(conn, args[3])
		if !ok {
			return
		}
		now, ok := rs.optionalTime(conn, args, 4)
		if !ok {
			return
		}
		var admitted bool
		err := server.Access(rs.server, string(args[1]), func(s stringSSet) error {
			s.Insert(string(args[2]), now, expires)
			admitted = s.Contains(string(args[2]))
			return nil
		})
		writeBool(conn, admitted, err)
	}},

	// SSET.HAS name member
	"sset.has": {3, 3, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		var has bool
		err := server.Access(rs.server, string(args[1]), func(s stringSSet) error {
			has = s.Contains(string(args[2]))
			return nil
		})
		writeBool(conn, has, err)
	}},

	// MAP.SET name key value [now]
	"map.set": {4, 5, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		now, ok := rs.optionalTime(conn, args, 4)
		if !ok {
			return
		}
		writeResult(conn, server.Access(rs.server, string(args[1]), func(m stringMap) error {
			m.Insert(string(args[2]), string(args[3]), now)
			return nil
		}))
	}},

	// MAP.GET name key
	"map.get": {3, 3, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		var (
			value string
			found bool
		)
		err := server.Access(rs.server, string(args[1]), func(m stringMap) error {
			value, found = m.Get(string(args[2]))
			return nil
		})
		switch {
		case err != nil:
			writeError(conn, err)
		case !found:
			conn.WriteNull()
		default:
			conn.WriteBulkString(value)
		}
	}},

	// MAP.HAS name key
	"map.has": {3, 3, func(rs *RedisServer, conn redcon.Conn, args [][]byte) {
		var has bool
		err := server.Access(rs.server, string(args[1]), func(m stringMap) error {
			has = m.ContainsKey(string(args[2]))
			return nil
		})
		writeBool(conn, has, err)
	}},
}

func writeCount(conn redcon.Conn, n int, err error) {
	if err != nil {
		writeError(conn, err)
		return
	}
	conn.WriteInt(n)
}

func writeBool(conn redcon.Conn, b bool, err error) {
	if b {
		writeCount(conn, 1, err)
		return
	}
	writeCount(conn, 0, err)
}
