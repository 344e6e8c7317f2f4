package proxy

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/migadu/poplogin/logger"
)

// AdminServer exposes KICK and STATUS over a newline-delimited text
// protocol on a local listener (typically a Unix socket), mirroring the
// reference codebase's admin API packages but scoped to this proxy's two
// operations. When sharedSecret is non-empty, the first line of every
// connection must be "AUTH <secret>" before any other command is
// accepted; a bare Unix socket with restrictive permissions is enough
// on most deployments, but this covers admin sockets exposed more
// broadly.
type AdminServer struct {
	engine       *Engine
	sharedSecret string
}

// NewAdminServer constructs an AdminServer over engine. An empty
// sharedSecret disables the AUTH requirement.
func NewAdminServer(engine *Engine, sharedSecret string) *AdminServer {
	return &AdminServer{engine: engine, sharedSecret: sharedSecret}
}

// Serve accepts connections from ln until it returns an error.
func (a *AdminServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go a.handle(conn)
	}
}

func (a *AdminServer) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	authed := a.sharedSecret == ""
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		trimmed := strings.TrimSpace(line)
		if !authed {
			if !a.checkAuth(trimmed) {
				conn.Write([]byte("-ERR authentication required\n"))
				return
			}
			authed = true
			conn.Write([]byte("+OK\n"))
			continue
		}
		reply := a.dispatch(trimmed)
		if _, err := conn.Write([]byte(reply + "\n")); err != nil {
			return
		}
	}
}

func (a *AdminServer) checkAuth(line string) bool {
	fields := strings.Fields(line)
	if len(fields) != 2 || strings.ToUpper(fields[0]) != "AUTH" {
		return false
	}
	given := []byte(fields[1])
	want := []byte(a.sharedSecret)
	if len(given) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(given, want) == 1
}

func (a *AdminServer) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "-ERR empty command"
	}
	switch strings.ToUpper(fields[0]) {
	case "KICK":
		return a.handleKick(fields[1:])
	case "STATUS":
		return a.handleStatus()
	default:
		return "-ERR unknown command " + fields[0]
	}
}

func (a *AdminServer) handleKick(args []string) string {
	if len(args) == 0 {
		return "-ERR KICK requires a username"
	}
	user := args[0]
	var guidPtr *[16]byte
	if len(args) > 1 {
		guid, err := parseGUID(args[1])
		if err != nil {
			return "-ERR bad conn_guid: " + err.Error()
		}
		guidPtr = &guid
	}
	n := a.engine.KickUser(user, guidPtr)
	logger.Info("admin kick", "user", user, "closed", n)
	return fmt.Sprintf("+OK %d", n)
}

func (a *AdminServer) handleStatus() string {
	pending, detached := a.engine.SessionCounts()
	var b strings.Builder
	fmt.Fprintf(&b, "+OK pending=%d detached=%d", pending, detached)
	for _, d := range a.engine.Health.Snapshot() {
		fmt.Fprintf(&b, " %s=%s/active:%d", d.Dest, d.State, d.Active)
	}
	return b.String()
}

func parseGUID(s string) ([16]byte, error) {
	var guid [16]byte
	if len(s) != 32 {
		return guid, fmt.Errorf("expected 32 hex characters, got %d", len(s))
	}
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return guid, err
		}
		guid[i] = byte(b)
	}
	return guid, nil
}
