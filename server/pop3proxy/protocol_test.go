package pop3proxy

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/migadu/poplogin/sasl"
	"github.com/migadu/poplogin/server/proxy"
)

type fakeController struct {
	written       [][]byte
	clientWritten [][]byte
	tlsActive     bool
	detached      bool
	failed        bool
	failKind      proxy.FailureType
	failReason    string
	redirected    bool
	redirectHost  string
	redirectIP    string
	redirectPort  int

	ttl         int
	untrusted   bool
	sessionID   string
	clientIP    string
	clientPort  int
	username    string
	masterUser  string
	password    string
	forward     []proxy.KV
	mechName    string
	requireTLS  bool
	localName   string
	startTLSErr error
}

func (f *fakeController) WriteServer(line []byte) error {
	f.written = append(f.written, append([]byte(nil), line...))
	return nil
}
func (f *fakeController) WriteClient(line []byte) error {
	f.clientWritten = append(f.clientWritten, append([]byte(nil), line...))
	return nil
}
func (f *fakeController) StartTLS() error {
	if f.startTLSErr != nil {
		return f.startTLSErr
	}
	f.tlsActive = true
	return nil
}
func (f *fakeController) Detach() error { f.detached = true; return nil }
func (f *fakeController) Fail(kind proxy.FailureType, reason string) {
	f.failed = true
	f.failKind = kind
	f.failReason = reason
}
func (f *fakeController) RedirectTo(host, ip string, port int) {
	f.redirected = true
	f.redirectHost, f.redirectIP, f.redirectPort = host, ip, port
}
func (f *fakeController) ProxyTTL() int             { return f.ttl }
func (f *fakeController) LocalName() string         { return f.localName }
func (f *fakeController) Untrusted() bool           { return f.untrusted }
func (f *fakeController) SessionID() string         { return f.sessionID }
func (f *fakeController) ClientAddr() (string, int) { return f.clientIP, f.clientPort }
func (f *fakeController) Username() string          { return f.username }
func (f *fakeController) MasterUser() string        { return f.masterUser }
func (f *fakeController) Password() string          { return f.password }
func (f *fakeController) ForwardFields() []proxy.KV { return f.forward }
func (f *fakeController) SASLMechanismName() string { return f.mechName }
func (f *fakeController) RequireStartTLS() bool     { return f.requireTLS }
func (f *fakeController) TLSActive() bool           { return f.tlsActive }

func newFakeController() *fakeController {
	return &fakeController{ttl: 4, sessionID: "sess1", clientIP: "192.0.2.1", clientPort: 5555, username: "alice", password: "secret"}
}

func lastLine(lines [][]byte) string {
	if len(lines) == 0 {
		return ""
	}
	return string(lines[len(lines)-1])
}

func TestBannerRejectsMissingOK(t *testing.T) {
	ctrl := newFakeController()
	d := NewDriver()
	d.OnServerLine(ctrl, []byte("-ERR go away"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureProtocol {
		t.Fatalf("expected protocol failure, got %+v", ctrl)
	}
}

func TestBannerNoXClientNoTLSSendsUser(t *testing.T) {
	ctrl := newFakeController()
	d := NewDriver()
	d.OnServerLine(ctrl, []byte("+OK ready"))
	if lastLine(ctrl.written) != "USER alice\r\n" {
		t.Fatalf("got %q", lastLine(ctrl.written))
	}
	if d.state != stateLogin1 {
		t.Fatalf("expected stateLogin1, got %v", d.state)
	}
}

func TestBannerWithXClientSendsXClientThenUser(t *testing.T) {
	ctrl := newFakeController()
	d := NewDriver()
	d.OnServerLine(ctrl, []byte("+OK ready [XCLIENT]"))
	if len(ctrl.written) != 2 {
		t.Fatalf("expected 2 pipelined commands, got %d: %v", len(ctrl.written), ctrl.written)
	}
	if !strings.HasPrefix(string(ctrl.written[0]), "XCLIENT ADDR=192.0.2.1 PORT=5555") {
		t.Fatalf("unexpected xclient line: %q", ctrl.written[0])
	}
	if string(ctrl.written[1]) != "USER alice\r\n" {
		t.Fatalf("got %q", ctrl.written[1])
	}
	if d.state != stateXClient {
		t.Fatalf("expected stateXClient, got %v", d.state)
	}
}

func TestBannerUntrustedSkipsXClient(t *testing.T) {
	ctrl := newFakeController()
	ctrl.untrusted = true
	d := NewDriver()
	d.OnServerLine(ctrl, []byte("+OK ready [XCLIENT]"))
	if len(ctrl.written) != 1 {
		t.Fatalf("expected only USER, got %v", ctrl.written)
	}
}

func TestBannerRequiresStartTLS(t *testing.T) {
	ctrl := newFakeController()
	ctrl.requireTLS = true
	d := NewDriver()
	d.OnServerLine(ctrl, []byte("+OK ready"))
	if lastLine(ctrl.written) != "STLS\r\n" || d.state != stateStartTLS {
		t.Fatalf("got %q state=%v", lastLine(ctrl.written), d.state)
	}
}

func TestStartTLSFailurePropagates(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateStartTLS}
	d.OnServerLine(ctrl, []byte("-ERR no STLS"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureRemote {
		t.Fatalf("expected remote failure, got %+v", ctrl)
	}
}

func TestStartTLSSuccessProceedsToLogin(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateStartTLS}
	d.OnServerLine(ctrl, []byte("+OK begin TLS"))
	if !ctrl.tlsActive {
		t.Fatal("expected StartTLS to be invoked")
	}
	if lastLine(ctrl.written) != "USER alice\r\n" {
		t.Fatalf("got %q", lastLine(ctrl.written))
	}
}

func TestXClientAckAdvancesToLogin1WhenNoMechanism(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateXClient}
	d.OnServerLine(ctrl, []byte("+OK"))
	if d.state != stateLogin1 {
		t.Fatalf("expected stateLogin1, got %v", d.state)
	}
}

func TestXClientAckAdvancesToLogin2WhenMechanismConfigured(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateXClient, mechName: "PLAIN"}
	d.OnServerLine(ctrl, []byte("+OK"))
	if d.state != stateLogin2 {
		t.Fatalf("expected stateLogin2, got %v", d.state)
	}
}

func TestLogin1SuccessSendsPass(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateLogin1}
	d.OnServerLine(ctrl, []byte("+OK"))
	if lastLine(ctrl.written) != "PASS secret\r\n" || d.state != stateLogin2 {
		t.Fatalf("got %q state=%v", lastLine(ctrl.written), d.state)
	}
}

func TestLogin1FailureSubstitutesAuthFailedMsg(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateLogin1}
	d.OnServerLine(ctrl, []byte("garbage without dash err"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureAuthReplied || ctrl.failReason != AuthFailedMsg {
		t.Fatalf("got %+v", ctrl)
	}
	if lastLine(ctrl.clientWritten) != "-ERR "+AuthFailedMsg+"\r\n" {
		t.Fatalf("client did not receive substituted reply, got %q", lastLine(ctrl.clientWritten))
	}
}

func TestLogin1TempfailPreservesMessage(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateLogin1}
	d.OnServerLine(ctrl, []byte("-ERR [SYS/TEMP] try later"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureAuthTempfail || ctrl.failReason != "try later" {
		t.Fatalf("got %+v", ctrl)
	}
}

func TestLogin1ReferralTriggersRedirect(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateLogin1}
	d.OnServerLine(ctrl, []byte("-ERR [REFERRAL/mail2.example.com:110]"))
	if !ctrl.redirected || ctrl.redirectHost != "mail2.example.com" || ctrl.redirectPort != 110 {
		t.Fatalf("got %+v", ctrl)
	}
	if ctrl.failed {
		t.Fatal("redirect should not also fail")
	}
}

func TestLogin1PassesThroughOtherErrLines(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateLogin1}
	d.OnServerLine(ctrl, []byte("-ERR mailbox locked"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureAuthReplied || ctrl.failReason != "-ERR mailbox locked" {
		t.Fatalf("got %+v", ctrl)
	}
	if lastLine(ctrl.clientWritten) != "-ERR mailbox locked\r\n" {
		t.Fatalf("client did not receive forwarded reply, got %q", lastLine(ctrl.clientWritten))
	}
}

func TestLogin2SuccessWritesClientAndDetaches(t *testing.T) {
	ctrl := newFakeController()
	d := &Driver{state: stateLogin2}
	d.OnServerLine(ctrl, []byte("+OK logged in"))
	if lastLine(ctrl.clientWritten) != "+OK logged in\r\n" {
		t.Fatalf("got %q", lastLine(ctrl.clientWritten))
	}
	if !ctrl.detached {
		t.Fatal("expected detach")
	}
}

func TestLogin2SaslContinuationRoundTrip(t *testing.T) {
	ctrl := newFakeController()
	ctrl.mechName = "PLAIN"
	d := &Driver{state: stateLogin2, mechName: "PLAIN"}

	mechanism, ok := sasl.Lookup("PLAIN")
	if !ok {
		t.Fatal("PLAIN not registered")
	}
	d.mech = mechanism.NewState(sasl.Settings{AuthID: "alice", Password: "secret"})

	challenge := base64.StdEncoding.EncodeToString(nil)
	d.OnServerLine(ctrl, []byte("+ "+challenge))

	if len(ctrl.written) != 1 {
		t.Fatalf("expected one continuation write, got %v", ctrl.written)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(string(ctrl.written[0]), "\r\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(string(decoded), "alice") || !strings.Contains(string(decoded), "secret") {
		t.Fatalf("expected PLAIN token with credentials, got %q", decoded)
	}
}

func TestSendLoginRejectsZeroTTL(t *testing.T) {
	ctrl := newFakeController()
	ctrl.ttl = 1
	d := &Driver{state: stateBanner}
	d.OnServerLine(ctrl, []byte("+OK ready"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureRemoteConfig {
		t.Fatalf("got %+v", ctrl)
	}
}

func TestSendLoginRejectsUnknownMechanism(t *testing.T) {
	ctrl := newFakeController()
	ctrl.mechName = "BOGUS"
	d := &Driver{state: stateBanner}
	d.OnServerLine(ctrl, []byte("+OK ready"))
	if !ctrl.failed || ctrl.failKind != proxy.FailureInternalConfig {
		t.Fatalf("got %+v", ctrl)
	}
}
