package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	s := Default()
	s.BackendAddr = "backend.example.com:110"
	require.NoError(t, s.Validate())
}

func TestValidateRejectsMissingBackend(t *testing.T) {
	s := Default()
	err := s.Validate()
	assert.Error(t, err)
}

func TestValidateRejectsBadSSLFlags(t *testing.T) {
	s := Default()
	s.BackendAddr = "backend:110"
	s.Proxy.SSLFlags = "bogus"
	assert.Error(t, s.Validate())
}

func TestValidateRejectsBadSourceIP(t *testing.T) {
	s := Default()
	s.BackendAddr = "backend:110"
	s.Proxy.SourceIP = "not-an-ip"
	assert.Error(t, s.Validate())
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "proxy.toml")
	contents := `
listen_addr = "127.0.0.1:1110"
backend_addr = "10.0.0.5:110"

[proxy]
login_proxy_max_reconnects = 5
ssl_flags = "starttls"

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5:110", s.BackendAddr)
	assert.EqualValues(t, 5, s.Proxy.MaxReconnects)
	assert.Equal(t, SSLStartTLS, s.Proxy.SSLFlags)
	assert.Equal(t, "debug", s.Logging.Level)
	// Untouched defaults survive the partial override.
	assert.Equal(t, "console", s.Logging.Format)
	assert.EqualValues(t, 60, s.Proxy.NotifyRefreshSecs)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
