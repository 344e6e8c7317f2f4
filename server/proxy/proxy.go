package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/migadu/poplogin/config"
	"github.com/migadu/poplogin/logger"
	"github.com/migadu/poplogin/pkg/metrics"
)

// ProxyConnectRetryDelay is the fixed interval between reconnect attempts.
const ProxyConnectRetryDelay = 1 * time.Second

// ProxyDisconnectInterval quantizes delayed-disconnect batches.
const ProxyDisconnectInterval = 100 * time.Millisecond

// ProxyMaxOutbuf caps how many bytes the server-to-client pump reads from
// the backend before it must finish writing them to the client, creating
// backpressure toward the backend rather than letting unsent bytes grow
// unbounded when the client reads slowly.
const ProxyMaxOutbuf = 1024

// Dialer opens a connection to a backend; production code uses
// (&net.Dialer{}).DialContext, tests substitute an in-memory pipe.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Destination is the backend a Proxy connects to.
type Destination struct {
	Host string
	IP   string
	Port int
}

// ClientInfo carries the already-identified client's connection and the
// identity the pre-login dialog will authenticate as.
type ClientInfo struct {
	Conn       net.Conn
	Username   string
	MasterUser string
	Password   string
	SourceIP   string
	ClientIP   string
	ClientPort int
	Untrusted  bool
	LocalName  string
}

// NewParams bundles the arguments to New.
type NewParams struct {
	Client     ClientInfo
	Dest       Destination
	Settings   config.ProxySettings
	Mechanism  string // configured SASL mechanism name, "" for USER/PASS
	ProxyTTL   int
	Forward    []KV
	Dialer     Dialer // optional; defaults to a real TCP dialer
	Callbacks  Callbacks
}

type classifiedError struct {
	kind FailureType
	msg  string
}

func (e *classifiedError) Error() string { return e.msg }

// Proxy drives one client's connection through the pre-login dialog to a
// single backend, retrying and redirecting as configured, and finally
// detaching to a bidirectional Pump.
type Proxy struct {
	mu sync.Mutex

	engine    *Engine
	callbacks Callbacks
	dialer    Dialer

	client       net.Conn
	clientReader *bufio.Reader

	destHost string
	destIP   string
	destPort int
	sourceIP string

	created                time.Time
	connectTimeout         time.Duration
	notifyRefresh          time.Duration
	hostImmediateFailAfter time.Duration
	maxReconnects          uint
	maxDisconnectDelay     time.Duration
	sslFlags               config.SSLFlags

	serverConn   net.Conn
	serverReader *bufio.Reader
	tlsActive    bool

	connected         bool
	detached          bool
	destroying        bool
	delayedDisconnect bool
	disableReconnect  bool

	reconnectCount uint
	proxyTTL       int
	localName      string
	untrusted      bool

	redirectPath []RedirectEntry

	pendingFail     *classifiedError
	pendingRedirect *Destination

	health *HealthRecord

	username          string
	masterUser        string
	password          string
	saslMechanismName string
	forwardFields     []KV
	sessionID         string
	virtualUser       string
	clientIP          string
	clientPort        int

	anvilGUID [16]byte

	bytesIn, bytesOut uint64

	ioMu                                                             sync.Mutex
	lastClientRead, lastClientWrite, lastServerRead, lastServerWrite time.Time

	pumpDone chan struct{}
	notifyStop chan struct{}
}

// New constructs a Proxy, registers it in the Engine's pending list, and
// starts its pre-login goroutine. The goroutine reports its outcome
// exclusively through the supplied Callbacks; New itself never blocks on
// network I/O.
func New(engine *Engine, p NewParams) (*Proxy, error) {
	if p.Client.Conn == nil {
		return nil, fmt.Errorf("client connection required")
	}
	if p.Dest.IP == "" || p.Dest.Port == 0 {
		return nil, fmt.Errorf("destination ip:port required")
	}

	dialer := p.Dialer
	if dialer == nil {
		nd := &net.Dialer{}
		if p.Client.SourceIP != "" {
			nd.LocalAddr = &net.TCPAddr{IP: net.ParseIP(p.Client.SourceIP)}
		}
		dialer = nd.DialContext
	}

	proxyTTL := p.ProxyTTL
	if proxyTTL == 0 {
		proxyTTL = 4
	}

	px := &Proxy{
		engine:                 engine,
		callbacks:              p.Callbacks,
		dialer:                 dialer,
		client:                 p.Client.Conn,
		clientReader:           bufio.NewReader(p.Client.Conn),
		destHost:               p.Dest.Host,
		destIP:                 p.Dest.IP,
		destPort:               p.Dest.Port,
		sourceIP:               p.Client.SourceIP,
		created:                time.Now(),
		connectTimeout:         p.Settings.ConnectTimeout(),
		notifyRefresh:          p.Settings.NotifyRefresh(),
		hostImmediateFailAfter: p.Settings.HostImmediateFailAfter(),
		maxReconnects:          p.Settings.MaxReconnects,
		maxDisconnectDelay:     p.Settings.MaxDisconnectDelay(),
		sslFlags:               p.Settings.SSLFlags,
		proxyTTL:               proxyTTL,
		localName:              p.Client.LocalName,
		untrusted:              p.Client.Untrusted,
		username:               p.Client.Username,
		masterUser:             p.Client.MasterUser,
		password:               p.Client.Password,
		saslMechanismName:      p.Mechanism,
		forwardFields:          p.Forward,
		sessionID:              generateSessionID(p.Client.Username),
		virtualUser:            firstNonEmpty(p.Client.MasterUser, p.Client.Username),
		clientIP:               p.Client.ClientIP,
		clientPort:             p.Client.ClientPort,
		pumpDone:               make(chan struct{}),
		notifyStop:             make(chan struct{}),
	}
	px.health = engine.Health.Get(DestinationKey{IP: px.destIP, Port: px.destPort})

	engine.addPending(px)
	go px.run()
	return px, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func generateSessionID(user string) string {
	return fmt.Sprintf("pop3proxy-%s-%d", user, rand.Intn(1000000))
}

func (p *Proxy) run() {
	for {
		err := p.connectOnce()
		if err != nil {
			kind, reason := classify(err)
			retryable := kind.Retryable() && p.tryReconnect()
			p.callbacks.OnFailure(kind, reason, retryable)
			metrics.AuthFailuresTotal.WithLabelValues(kind.String()).Inc()
			if !retryable {
				p.Close(reason, false)
				return
			}
			time.Sleep(ProxyConnectRetryDelay)
			continue
		}

		p.preloginLoop()

		p.mu.Lock()
		detached := p.detached
		fail := p.pendingFail
		p.pendingFail = nil
		redirect := p.pendingRedirect
		p.pendingRedirect = nil
		p.mu.Unlock()

		if detached {
			return
		}
		if redirect != nil {
			p.disconnectServer()
			continue
		}
		if fail != nil {
			retryable := fail.kind.Retryable() && p.tryReconnect()
			p.callbacks.OnFailure(fail.kind, fail.msg, retryable)
			metrics.AuthFailuresTotal.WithLabelValues(fail.kind.String()).Inc()
			if !retryable {
				p.Close(fail.msg, false)
				return
			}
			p.disconnectServer()
			time.Sleep(ProxyConnectRetryDelay)
			continue
		}
		// Neither detached, redirected, nor failed: backend closed
		// cleanly mid-dialog. Treat as a remote failure.
		p.callbacks.OnFailure(FailureRemote, "backend closed connection", false)
		p.Close("backend closed connection", false)
		return
	}
}

func classify(err error) (FailureType, string) {
	if ce, ok := err.(*classifiedError); ok {
		return ce.kind, ce.msg
	}
	return FailureConnect, err.Error()
}

var validDNSName = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

func isValidDNSName(name string) bool {
	return name != "" && len(name) <= 253 && validDNSName.MatchString(name)
}

func (p *Proxy) dialTimeout() time.Duration {
	if p.connectTimeout <= 0 {
		return 30 * time.Second
	}
	remaining := p.connectTimeout - time.Since(p.created)
	if remaining <= 0 {
		return 100 * time.Millisecond
	}
	return remaining
}

func (p *Proxy) connectOnce() error {
	if p.callbacks.OnReset != nil {
		p.callbacks.OnReset()
	}

	p.mu.Lock()
	ttl := p.proxyTTL
	localName := p.localName
	dest := net.JoinHostPort(p.destIP, strconv.Itoa(p.destPort))
	p.mu.Unlock()

	if ttl <= 1 {
		return &classifiedError{kind: FailureRemoteConfig, msg: "TTL reached zero - loop?"}
	}
	if localName != "" && !isValidDNSName(localName) {
		return &classifiedError{kind: FailureInternal, msg: "[BUG] Invalid local_name"}
	}

	seedHealthIfNew(p.health)

	attemptCreated := time.Now()
	p.engine.Health.RecordAttemptBegin(p.health)

	if p.engine.Health.ShouldFailFast(p.health, p.hostImmediateFailAfter) {
		p.engine.Health.RecordAttemptEnd(p.health, false, attemptCreated)
		metrics.ConnectsTotal.WithLabelValues("fast_fail").Inc()
		return &classifiedError{kind: FailureConnect, msg: "fast failure, remote is unreachable"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.dialTimeout())
	defer cancel()
	conn, err := p.dialer(ctx, "tcp", dest)
	if err != nil {
		p.engine.Health.RecordAttemptEnd(p.health, false, attemptCreated)
		metrics.ConnectsTotal.WithLabelValues("failure").Inc()
		metrics.ConnectDuration.WithLabelValues("failure").Observe(time.Since(attemptCreated).Seconds())
		return &classifiedError{kind: FailureConnect, msg: err.Error()}
	}
	p.engine.Health.RecordAttemptEnd(p.health, true, attemptCreated)
	metrics.ConnectsTotal.WithLabelValues("success").Inc()
	metrics.ConnectDuration.WithLabelValues("success").Observe(time.Since(attemptCreated).Seconds())

	p.mu.Lock()
	p.serverConn = conn
	p.serverReader = bufio.NewReader(conn)
	p.connected = true
	p.mu.Unlock()

	resetDisconnectBatch(p.health)

	if p.sslFlags == config.SSLYes {
		if err := p.StartTLS(); err != nil {
			return &classifiedError{kind: FailureInternal, msg: err.Error()}
		}
	}
	return nil
}

func seedHealthIfNew(rec *HealthRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.LastSuccess.IsZero() && rec.LastFailure.IsZero() {
		rec.LastSuccess = time.Now().Add(-time.Second)
	}
}

func resetDisconnectBatch(rec *HealthRecord) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.DisconnectsInBatch = 0
}

func (p *Proxy) disconnectServer() {
	p.mu.Lock()
	conn := p.serverConn
	wasConnected := p.connected
	rec := p.health
	p.serverConn = nil
	p.connected = false
	p.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if wasConnected {
		p.engine.Health.RecordActiveEnd(rec)
	}
}

func (p *Proxy) preloginLoop() {
	for {
		p.mu.Lock()
		reader := p.serverReader
		p.mu.Unlock()

		line, err := reader.ReadString('\n')
		if err != nil {
			p.mu.Lock()
			if p.pendingFail == nil {
				p.pendingFail = &classifiedError{kind: FailureRemote, msg: "backend closed connection: " + err.Error()}
			}
			p.mu.Unlock()
			return
		}
		trimmed := strings.TrimRight(line, "\r\n")
		p.callbacks.OnServerLine(p, []byte(trimmed))

		p.mu.Lock()
		done := p.detached || p.pendingFail != nil || p.pendingRedirect != nil
		p.mu.Unlock()
		if done {
			return
		}
	}
}

// --- Controller interface ---

func (p *Proxy) WriteServer(line []byte) error {
	p.mu.Lock()
	conn := p.serverConn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no server connection")
	}
	_, err := conn.Write(line)
	return err
}

func (p *Proxy) WriteClient(line []byte) error {
	p.mu.Lock()
	conn := p.client
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connection")
	}
	_, err := conn.Write(line)
	return err
}

func (p *Proxy) StartTLS() error {
	p.mu.Lock()
	conn := p.serverConn
	insecure := p.sslFlags == config.SSLAnyCert
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no server connection")
	}

	tlsConn := tls.Client(conn, &tls.Config{
		InsecureSkipVerify:   insecure,
		Certificates:         []tls.Certificate{},
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return nil, nil },
		Renegotiation:        tls.RenegotiateNever,
	})
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return err
	}

	p.mu.Lock()
	p.serverConn = tlsConn
	p.serverReader = bufio.NewReader(tlsConn)
	p.tlsActive = true
	p.mu.Unlock()
	return nil
}

func (p *Proxy) TLSActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tlsActive
}

func (p *Proxy) Detach() error {
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		return fmt.Errorf("already detached")
	}
	if p.serverConn == nil {
		p.mu.Unlock()
		return fmt.Errorf("no server connection to detach")
	}
	p.detached = true
	client := p.client
	clientReader := p.clientReader
	server := p.serverConn
	serverReader := p.serverReader
	p.mu.Unlock()

	p.engine.addDetached(p)
	p.engine.removePending(p)
	metrics.ActiveSessions.WithLabelValues(p.destKey().String()).Inc()

	if err := p.engine.anvil.Register(p.virtualUser, "pop3proxy", p.anvilGUID); err != nil {
		logger.Warn("anvil register failed", "user", p.virtualUser, "error", err)
	}

	p.touchIO()
	if p.callbacks.OnSideChannel != nil {
		sc := newSideChannelReader(clientReader, p.callbacks.OnSideChannel, func() { p.Close("side channel requested close", false) })
		go p.pumpClientToServer(bufio.NewReader(sc), server)
	} else {
		go p.pumpClientToServer(clientReader, server)
	}
	go p.pumpServerToClient(serverReader, client)

	if p.notifyRefresh > 0 {
		go p.notifyLoop()
	}
	return nil
}

func (p *Proxy) Fail(kind FailureType, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroying {
		return
	}
	if p.pendingFail == nil {
		p.pendingFail = &classifiedError{kind: kind, msg: reason}
	}
}

func (p *Proxy) RedirectTo(host, ip string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	local := p.client.LocalAddr()
	if localTCP, ok := local.(*net.TCPAddr); ok {
		if localTCP.IP.String() == ip && localTCP.Port == port {
			p.pendingFail = &classifiedError{kind: FailureInternalConfig, msg: "Proxying loops: " + p.redirectPathString(ip, port)}
			metrics.RedirectsTotal.WithLabelValues("loop").Inc()
			return
		}
	}
	for i, e := range p.redirectPath {
		if e.IP == ip && e.Port == port {
			p.redirectPath[i].Count++
			if p.redirectPath[i].Count >= RedirectLoopMin {
				p.pendingFail = &classifiedError{kind: FailureInternalConfig, msg: "Proxying loops: " + p.redirectPathString(ip, port)}
				metrics.RedirectsTotal.WithLabelValues("loop").Inc()
				return
			}
			p.finishRedirectLocked(host, ip, port)
			return
		}
	}
	p.redirectPath = append(p.redirectPath, RedirectEntry{IP: ip, Port: port, Count: 1})
	p.finishRedirectLocked(host, ip, port)
}

// redirectPathString renders the hops visited so far plus the one that
// closed the loop, for the failure reason shown to operators.
func (p *Proxy) redirectPathString(loopIP string, loopPort int) string {
	var b strings.Builder
	for _, e := range p.redirectPath {
		b.WriteString(e.IP)
		b.WriteString(fmt.Sprintf(":%d", e.Port))
		b.WriteString(" -> ")
	}
	b.WriteString(fmt.Sprintf("%s:%d", loopIP, loopPort))
	return b.String()
}

func (p *Proxy) finishRedirectLocked(host, ip string, port int) {
	p.proxyTTL--
	// Release the active slot on the record being left before p.health
	// is repointed, so disconnectServer cannot decrement the new one.
	if p.connected {
		p.engine.Health.RecordActiveEnd(p.health)
		p.connected = false
	}
	p.destHost, p.destIP, p.destPort = host, ip, port
	p.health = p.engine.Health.Get(DestinationKey{IP: ip, Port: port})
	dest := Destination{Host: host, IP: ip, Port: port}
	p.pendingRedirect = &dest
	if p.callbacks.OnRedirect != nil {
		p.callbacks.OnRedirect("redirect", fmt.Sprintf("%s:%d", ip, port))
	}
	metrics.RedirectsTotal.WithLabelValues("followed").Inc()
}

func (p *Proxy) ProxyTTL() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proxyTTL
}

func (p *Proxy) LocalName() string { return p.localName }
func (p *Proxy) Untrusted() bool   { return p.untrusted }
func (p *Proxy) SessionID() string { return p.sessionID }
func (p *Proxy) ClientAddr() (string, int) { return p.clientIP, p.clientPort }
func (p *Proxy) Username() string   { return p.username }
func (p *Proxy) MasterUser() string { return p.masterUser }
func (p *Proxy) Password() string   { return p.password }
func (p *Proxy) ForwardFields() []KV { return p.forwardFields }
func (p *Proxy) SASLMechanismName() string { return p.saslMechanismName }
func (p *Proxy) RequireStartTLS() bool     { return p.sslFlags == config.SSLStartTLS }

func (p *Proxy) destKey() DestinationKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return DestinationKey{IP: p.destIP, Port: p.destPort}
}

// tryReconnect decides whether another connect attempt is allowed and, if
// so, reserves it by incrementing reconnectCount.
func (p *Proxy) tryReconnect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.disableReconnect {
		return false
	}
	if p.reconnectCount >= p.maxReconnects {
		return false
	}
	if p.connectTimeout > 0 {
		remaining := p.connectTimeout - time.Since(p.created)
		if remaining < ProxyConnectRetryDelay+100*time.Millisecond {
			return false
		}
	}
	p.reconnectCount++
	return true
}

func (p *Proxy) touchIO() {
	now := time.Now()
	p.ioMu.Lock()
	p.lastClientRead, p.lastClientWrite = now, now
	p.lastServerRead, p.lastServerWrite = now, now
	p.ioMu.Unlock()
}

func (p *Proxy) lastIO() time.Time {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	latest := p.lastClientRead
	for _, t := range []time.Time{p.lastClientWrite, p.lastServerRead, p.lastServerWrite} {
		if t.After(latest) {
			latest = t
		}
	}
	return latest
}

func (p *Proxy) notifyLoop() {
	ticker := time.NewTicker(p.notifyRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.engine.Health.Notify(p.virtualUser)
		case <-p.notifyStop:
			return
		}
	}
}

// delayDisconnect computes how long to wait before actually closing a
// detached proxy, spreading a mass-close event across maxDelay with
// sub-second jitter quantized to ProxyDisconnectInterval steps.
func delayDisconnect(rec *HealthRecord, maxDelay time.Duration) time.Duration {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if maxDelay <= 0 {
		return 0
	}

	now := time.Now()
	freshBatch := rec.DisconnectsInBatch == 0 || now.After(rec.DisconnectBatchStart.Add(maxDelay))
	if freshBatch {
		jitter := time.Duration(rand.Int63n(int64(ProxyDisconnectInterval)))
		rec.DisconnectBatchStart = now.Add(jitter)
		rec.DisconnectsInBatch = 0
	}
	rec.DisconnectsInBatch++
	rec.DelayedDisconnects++

	if rec.DisconnectsInBatch == 1 {
		return 0
	}

	steps := maxDelay / ProxyDisconnectInterval
	if steps < 1 {
		steps = 1
	}
	slot := time.Duration(int64(rec.DisconnectsInBatch)%int64(steps)) * ProxyDisconnectInterval
	target := rec.DisconnectBatchStart.Add(slot)
	delay := target.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Close tears a proxy down, either immediately or (if delayed is
// requested and the proxy has detached) after a paced delay. Close is
// idempotent: a second call is a no-op.
func (p *Proxy) Close(reason string, delayed bool) {
	p.mu.Lock()
	if p.destroying {
		p.mu.Unlock()
		return
	}
	p.destroying = true
	wasDetached := p.detached
	rec := p.health
	maxDelay := p.maxDisconnectDelay
	p.mu.Unlock()

	if wasDetached && delayed {
		d := delayDisconnect(rec, maxDelay)
		if d > 0 {
			time.AfterFunc(d, func() { p.finalize(reason) })
			return
		}
	}
	p.finalize(reason)
}

func (p *Proxy) finalize(reason string) {
	p.mu.Lock()
	wasConnected := p.connected
	wasDetached := p.detached
	client := p.client
	server := p.serverConn
	rec := p.health
	p.connected = false
	p.mu.Unlock()

	close(p.notifyStop)

	if wasConnected {
		p.engine.Health.RecordActiveEnd(rec)
	}
	if wasDetached {
		p.engine.removeDetached(p)
		metrics.ActiveSessions.WithLabelValues(p.destKey().String()).Dec()
		p.engine.anvil.Unregister(p.anvilGUID)
	} else {
		p.engine.removePending(p)
	}

	if server != nil {
		server.Close()
	}
	if client != nil {
		client.Close()
	}

	logger.Info("proxy session finished",
		"user", p.virtualUser,
		"dest", p.destKey().String(),
		"reason", reason,
		"bytes_in", p.bytesIn,
		"bytes_out", p.bytesOut,
		"idle", time.Since(p.lastIO()),
	)
}
