package proxy

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyPipeSendsLine(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "notify.sock")

	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		received <- line
	}()

	pipe := NewNotifyPipe(sockPath)
	defer pipe.Close()
	pipe.Send("alice")

	select {
	case line := <-received:
		assert.Contains(t, line, "alice")
		assert.Contains(t, line, "POP3PROXY")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestNotifyPipeSwallowsPersistentFailure(t *testing.T) {
	pipe := NewNotifyPipe(filepath.Join(os.TempDir(), "does-not-exist-poplogin.sock"))
	assert.NotPanics(t, func() { pipe.Send("bob") })
}
