package proxy

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminStatusReportsCounts(t *testing.T) {
	engine := newTestEngine()
	client, _ := net.Pipe()
	px := &Proxy{engine: engine, client: client, notifyStop: make(chan struct{})}
	engine.addPending(px)

	admin := NewAdminServer(engine, "")
	reply := admin.dispatch("STATUS")
	assert.True(t, strings.HasPrefix(reply, "+OK pending=1"))
}

func TestAdminKickUnknownUserClosesNothing(t *testing.T) {
	engine := newTestEngine()
	admin := NewAdminServer(engine, "")
	reply := admin.dispatch("KICK nobody")
	assert.Equal(t, "+OK 0", reply)
}

func TestAdminUnknownCommand(t *testing.T) {
	engine := newTestEngine()
	admin := NewAdminServer(engine, "")
	reply := admin.dispatch("BOGUS")
	assert.Contains(t, reply, "-ERR")
}

func TestParseGUIDRoundTrip(t *testing.T) {
	guid, err := parseGUID("0123456789abcdef0123456789abcdef")
	assert.NoError(t, err)
	assert.Equal(t, byte(0x01), guid[0])
	assert.Equal(t, byte(0xef), guid[15])
}

func TestParseGUIDRejectsBadLength(t *testing.T) {
	_, err := parseGUID("short")
	assert.Error(t, err)
}

func TestAdminRejectsCommandBeforeAuth(t *testing.T) {
	engine := newTestEngine()
	admin := NewAdminServer(engine, "topsecret")

	client, server := net.Pipe()
	go admin.handle(server)
	defer client.Close()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("STATUS\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "-ERR")
}

func TestAdminAcceptsCommandsAfterAuth(t *testing.T) {
	engine := newTestEngine()
	admin := NewAdminServer(engine, "topsecret")

	client, server := net.Pipe()
	go admin.handle(server)
	defer client.Close()

	reader := bufio.NewReader(client)
	client.SetDeadline(time.Now().Add(2 * time.Second))

	_, err := client.Write([]byte("AUTH topsecret\n"))
	require.NoError(t, err)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "+OK")

	_, err = client.Write([]byte("STATUS\n"))
	require.NoError(t, err)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "+OK pending=0")
}

func TestAdminRejectsWrongSecret(t *testing.T) {
	engine := newTestEngine()
	admin := NewAdminServer(engine, "topsecret")

	client, server := net.Pipe()
	go admin.handle(server)
	defer client.Close()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("AUTH wrong\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "-ERR")
}
