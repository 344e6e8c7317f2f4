package proxy

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPumpCopiesBothDirectionsAndCountsBytes(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	serverLocal, serverRemote := net.Pipe()
	defer clientLocal.Close()
	defer serverRemote.Close()

	px := &Proxy{
		client:     clientRemote,
		serverConn: serverLocal,
		pumpDone:   make(chan struct{}),
		notifyStop: make(chan struct{}),
		engine:     newTestEngine(),
		health:     newHealthRecord("test"),
	}

	go px.pumpClientToServer(bufio.NewReader(clientRemote), serverLocal)
	go px.pumpServerToClient(bufio.NewReader(serverLocal), clientRemote)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		n, err := serverRemote.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
		close(done)
	}()

	_, err := clientLocal.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client->server bytes")
	}

	done2 := make(chan struct{})
	go func() {
		buf := make([]byte, 3)
		n, err := clientLocal.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "hi!", string(buf[:n]))
		close(done2)
	}()

	_, err = serverRemote.Write([]byte("hi!"))
	require.NoError(t, err)

	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server->client bytes")
	}
}

func TestFinishPumpClosesDoneOnce(t *testing.T) {
	client, _ := net.Pipe()
	px := &Proxy{
		client:     client,
		notifyStop: make(chan struct{}),
		pumpDone:   make(chan struct{}),
		engine:     newTestEngine(),
		health:     newHealthRecord("test"),
	}
	engine := px.engine
	engine.addPending(px)

	assert.NotPanics(t, func() {
		px.finishPump()
		px.finishPump()
	})
}
