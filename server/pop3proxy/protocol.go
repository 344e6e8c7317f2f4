package pop3proxy

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/migadu/poplogin/sasl"
	"github.com/migadu/poplogin/server/proxy"
)

// AuthFailedMsg is substituted for a backend failure reply that doesn't
// come as a proper "-ERR " line.
const AuthFailedMsg = "Authentication failed."

// LoginProxyFailureMsg is sent to the client for failures that carry no
// server-supplied text worth forwarding.
const LoginProxyFailureMsg = "Login failed, internal error."

type state int

const (
	stateBanner state = iota
	stateStartTLS
	stateXClient
	stateLogin1
	stateLogin2
	stateCount
)

// Driver drives one backend connection's pre-login dialog from banner
// through USER/PASS or SASL AUTH to a final +OK, dispatching each line
// the backend sends via ParseLine. A Driver is single-use: construct one
// per Proxy via NewDriver.
type Driver struct {
	state         state
	remoteXClient bool
	mechName      string
	mech          sasl.Mech
}

// NewDriver returns a Driver ready to receive the backend's banner.
func NewDriver() *Driver {
	return &Driver{state: stateBanner}
}

// Reset rewinds the Driver to its initial state so it can drive a fresh
// backend connection's pre-login dialog after a reconnect or redirect.
func (d *Driver) Reset() {
	d.state = stateBanner
	d.remoteXClient = false
	d.mechName = ""
	d.mech = nil
}

// OnServerLine implements proxy.ServerLineFunc.
func (d *Driver) OnServerLine(ctrl proxy.Controller, line []byte) {
	switch d.state {
	case stateBanner:
		d.handleBanner(ctrl, line)
	case stateStartTLS:
		d.handleStartTLS(ctrl, line)
	case stateXClient:
		d.handleXClient(ctrl, line)
	case stateLogin1:
		d.handleLogin1(ctrl, line)
	case stateLogin2:
		d.handleLogin2(ctrl, line)
	default:
		ctrl.Fail(proxy.FailureInternal, "[BUG] pre-login line received in terminal state")
	}
}

func (d *Driver) handleBanner(ctrl proxy.Controller, line []byte) {
	s := string(line)
	if !strings.HasPrefix(s, "+OK") {
		ctrl.Fail(proxy.FailureProtocol, "Invalid banner")
		return
	}
	d.remoteXClient = strings.Contains(s, " [XCLIENT]")

	if ctrl.RequireStartTLS() {
		if err := ctrl.WriteServer([]byte("STLS\r\n")); err != nil {
			ctrl.Fail(proxy.FailureConnect, err.Error())
			return
		}
		d.state = stateStartTLS
		return
	}
	d.sendLogin(ctrl)
}

func (d *Driver) handleStartTLS(ctrl proxy.Controller, line []byte) {
	if !strings.HasPrefix(string(line), "+OK") {
		ctrl.Fail(proxy.FailureRemote, "STLS failed")
		return
	}
	if err := ctrl.StartTLS(); err != nil {
		ctrl.Fail(proxy.FailureInternal, err.Error())
		return
	}
	d.sendLogin(ctrl)
}

func (d *Driver) handleXClient(ctrl proxy.Controller, line []byte) {
	if !strings.HasPrefix(string(line), "+OK") {
		ctrl.Fail(proxy.FailureRemote, "XCLIENT failed")
		return
	}
	if d.mechName == "" {
		d.state = stateLogin1
	} else {
		d.state = stateLogin2
	}
}

func (d *Driver) handleLogin1(ctrl proxy.Controller, line []byte) {
	s := string(line)
	if strings.HasPrefix(s, "+OK") {
		if err := ctrl.WriteServer([]byte(fmt.Sprintf("PASS %s\r\n", ctrl.Password()))); err != nil {
			ctrl.Fail(proxy.FailureConnect, err.Error())
			return
		}
		d.state = stateLogin2
		return
	}
	d.handleFailure(ctrl, s)
}

func (d *Driver) handleLogin2(ctrl proxy.Controller, line []byte) {
	s := string(line)
	if strings.HasPrefix(s, "+ ") && d.mech != nil {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s[2:]))
		if err != nil {
			ctrl.Fail(proxy.FailureProtocol, "invalid base64 continuation from backend")
			return
		}
		res := d.mech.Input(decoded)
		if !res.OK() {
			ctrl.Fail(classifySASLResult(res), res.Message)
			return
		}
		token, res := d.mech.Output()
		if !res.OK() {
			ctrl.Fail(classifySASLResult(res), res.Message)
			return
		}
		if err := ctrl.WriteServer([]byte(encodeToken(token) + "\r\n")); err != nil {
			ctrl.Fail(proxy.FailureConnect, err.Error())
		}
		return
	}
	if strings.HasPrefix(s, "+OK") {
		if err := ctrl.WriteClient([]byte(s + "\r\n")); err != nil {
			ctrl.Fail(proxy.FailureConnect, err.Error())
			return
		}
		if err := ctrl.Detach(); err != nil {
			ctrl.Fail(proxy.FailureInternal, err.Error())
		}
		return
	}
	d.handleFailure(ctrl, s)
}

// handleFailure implements the failure fall-through table for a
// non-"+OK" reply during Login1/Login2: temp-fail detection, referral
// detection, and the AUTH_FAILED_MSG substitution.
func (d *Driver) handleFailure(ctrl proxy.Controller, line string) {
	if !strings.HasPrefix(line, "-ERR ") {
		ctrl.WriteClient([]byte("-ERR " + AuthFailedMsg + "\r\n"))
		ctrl.Fail(proxy.FailureAuthReplied, AuthFailedMsg)
		return
	}
	body := strings.TrimPrefix(line, "-ERR ")

	if strings.HasPrefix(body, "[SYS/TEMP]") {
		ctrl.Fail(proxy.FailureAuthTempfail, strings.TrimSpace(strings.TrimPrefix(body, "[SYS/TEMP]")))
		return
	}

	if ref, ok := parseReferral(body); ok {
		ctrl.RedirectTo(ref.Host, ref.IP, ref.Port)
		return
	}

	ctrl.WriteClient([]byte(line + "\r\n"))
	ctrl.Fail(proxy.FailureAuthReplied, line)
}

// sendLogin implements the send_login algorithm: an optional pipelined
// XCLIENT command followed unconditionally by USER or AUTH, without
// waiting for the XCLIENT reply, since a POP3 backend replies to
// pipelined commands strictly in the order they were sent.
func (d *Driver) sendLogin(ctrl proxy.Controller) {
	if ctrl.ProxyTTL() <= 1 {
		ctrl.Fail(proxy.FailureRemoteConfig, "TTL reached zero - loop?")
		return
	}

	if d.remoteXClient && !ctrl.Untrusted() {
		if err := ctrl.WriteServer(buildXClient(ctrl)); err != nil {
			ctrl.Fail(proxy.FailureConnect, err.Error())
			return
		}
		d.state = stateXClient
	} else {
		d.state = stateLogin1
	}

	d.mechName = ctrl.SASLMechanismName()
	if d.mechName == "" {
		if err := ctrl.WriteServer([]byte(fmt.Sprintf("USER %s\r\n", ctrl.Username()))); err != nil {
			ctrl.Fail(proxy.FailureConnect, err.Error())
		}
		return
	}

	mechanism, ok := sasl.Lookup(d.mechName)
	if !ok {
		ctrl.Fail(proxy.FailureInternalConfig, "unknown SASL mechanism "+d.mechName)
		return
	}

	authID := ctrl.MasterUser()
	if authID == "" {
		authID = ctrl.Username()
	}
	d.mech = mechanism.NewState(sasl.Settings{
		AuthID:   authID,
		AuthZID:  ctrl.Username(),
		Password: ctrl.Password(),
	})

	token, res := d.mech.Output()
	if !res.OK() {
		ctrl.Fail(classifySASLResult(res), res.Message)
		return
	}
	if err := ctrl.WriteServer([]byte(fmt.Sprintf("AUTH %s %s\r\n", d.mechName, encodeToken(token)))); err != nil {
		ctrl.Fail(proxy.FailureConnect, err.Error())
		return
	}
	if d.state != stateXClient {
		d.state = stateLogin2
	}
}

func encodeToken(token []byte) string {
	if len(token) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(token)
}

func buildXClient(ctrl proxy.Controller) []byte {
	ip, port := ctrl.ClientAddr()
	transport := "insecure"
	if ctrl.TLSActive() {
		transport = "TLS"
	}
	parts := []string{
		"ADDR=" + ip,
		fmt.Sprintf("PORT=%d", port),
		"SESSION=" + ctrl.SessionID(),
		fmt.Sprintf("TTL=%d", ctrl.ProxyTTL()-1),
		"CLIENT-TRANSPORT=" + transport,
	}
	if ln := ctrl.LocalName(); ln != "" && isValidDNSName(ln) {
		parts = append(parts, "DESTNAME="+ln)
	}
	if fields := ctrl.ForwardFields(); len(fields) > 0 {
		var sb strings.Builder
		for i, kv := range fields {
			if i > 0 {
				sb.WriteByte('\t')
			}
			sb.WriteString(kv.Name)
			sb.WriteByte('=')
			sb.WriteString(kv.Value)
		}
		parts = append(parts, "FORWARD="+base64.StdEncoding.EncodeToString([]byte(sb.String())))
	}
	return []byte("XCLIENT " + strings.Join(parts, " ") + "\r\n")
}

// classifySASLResult maps a SASL mechanism outcome onto the login-proxy's
// failure taxonomy: AuthFailed becomes an AuthNotReplied (no server text
// to forward), while protocol/internal errors from the mechanism keep
// their own kind.
func classifySASLResult(res sasl.Result) proxy.FailureType {
	switch res.Kind {
	case sasl.ResultAuthFailed:
		return proxy.FailureAuthNotReplied
	case sasl.ResultProtocolError:
		return proxy.FailureProtocol
	default:
		return proxy.FailureInternal
	}
}
