package pop3proxy

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/migadu/poplogin/config"
	"github.com/migadu/poplogin/logger"
	"github.com/migadu/poplogin/server/proxy"
)

// Server is the client-facing POP3 listener. It performs the minimal
// front-door dialog needed to identify a client (banner, USER, PASS),
// then hands that identity to a proxy.Proxy targeting the configured
// backend. It does not implement POP3 itself past login: once the
// backend accepts, the Proxy detaches to a raw byte pump and Server's
// job for that connection is done.
type Server struct {
	engine   *proxy.Engine
	settings config.Settings
}

// NewServer constructs a Server bound to engine and settings. Settings
// supplies BackendAddr and the Proxy tunables; engine supplies shared
// health tracking and the pending/detached registries.
func NewServer(engine *proxy.Engine, settings config.Settings) *Server {
	return &Server{engine: engine, settings: settings}
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed during shutdown).
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	if err := s.identify(conn); err != nil {
		logger.Warn("pop3proxy: client identification failed", "error", err, "remote", conn.RemoteAddr())
		conn.Close()
	}
}

// identify runs the client-facing half of the dialog: send our banner,
// read USER and PASS, and on success start a Proxy toward the backend.
// A malformed or abandoned client dialog returns an error, and handle
// then closes conn; a successful one hands conn's ownership to the Proxy.
func (s *Server) identify(conn net.Conn) error {
	reader := bufio.NewReader(conn)

	if _, err := conn.Write([]byte("+OK POP3 login proxy ready\r\n")); err != nil {
		return fmt.Errorf("write banner: %w", err)
	}

	userLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read USER: %w", err)
	}
	user, ok := parseCommand(userLine, "USER")
	if !ok {
		conn.Write([]byte("-ERR expected USER\r\n"))
		return fmt.Errorf("expected USER, got %q", strings.TrimSpace(userLine))
	}

	conn.Write([]byte("+OK\r\n"))

	passLine, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read PASS: %w", err)
	}
	pass, ok := parseCommand(passLine, "PASS")
	if !ok {
		conn.Write([]byte("-ERR expected PASS\r\n"))
		return fmt.Errorf("expected PASS, got %q", strings.TrimSpace(passLine))
	}

	host, portStr, err := net.SplitHostPort(s.settings.BackendAddr)
	if err != nil {
		conn.Write([]byte("-ERR " + LoginProxyFailureMsg + "\r\n"))
		return fmt.Errorf("backend_addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		conn.Write([]byte("-ERR " + LoginProxyFailureMsg + "\r\n"))
		return fmt.Errorf("backend_addr port: %w", err)
	}

	clientIP, clientPort := splitHostPortInt(conn.RemoteAddr().String())

	driver := NewDriver()
	_, err = proxy.New(s.engine, proxy.NewParams{
		Client: proxy.ClientInfo{
			Conn:       conn,
			Username:   user,
			Password:   pass,
			SourceIP:   s.settings.Proxy.SourceIP,
			ClientIP:   clientIP,
			ClientPort: clientPort,
		},
		Dest:     proxy.Destination{Host: host, IP: host, Port: port},
		Settings: s.settings.Proxy,
		ProxyTTL: 4,
		Callbacks: proxy.Callbacks{
			OnServerLine: driver.OnServerLine,
			OnFailure:    s.onFailure(conn),
			OnReset:      driver.Reset,
		},
	})
	if err != nil {
		conn.Write([]byte("-ERR " + LoginProxyFailureMsg + "\r\n"))
		return fmt.Errorf("start proxy: %w", err)
	}
	return nil
}

// onFailure returns the FailureFunc that maps a Proxy's terminal failure
// onto the client-visible reply table, only writing to conn once no
// further retry will happen.
func (s *Server) onFailure(conn net.Conn) proxy.FailureFunc {
	return func(kind proxy.FailureType, reason string, retrying bool) {
		if retrying {
			return
		}
		switch kind {
		case proxy.FailureAuthReplied:
			// The driver already forwarded (or synthesized) a reply.
		case proxy.FailureAuthTempfail:
			conn.Write([]byte("-ERR [SYS/TEMP] " + reason + "\r\n"))
		default:
			conn.Write([]byte("-ERR " + LoginProxyFailureMsg + "\r\n"))
		}
		conn.Close()
	}
}

func parseCommand(line, verb string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	prefix := verb + " "
	if !strings.HasPrefix(strings.ToUpper(line), strings.ToUpper(prefix)) {
		return "", false
	}
	return line[len(prefix):], true
}

func splitHostPortInt(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
