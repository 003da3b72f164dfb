package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okserver/internal/core/listener"
	"okserver/internal/core/responder"
	"okserver/internal/shared/types"
)

// 配置默认值与组件自身的默认值保持一致
func TestDefault_MatchesComponentDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, listener.DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, responder.DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, responder.DefaultReadTimeout, ReadTimeout(cfg))
	assert.Equal(t, responder.DefaultWriteTimeout, WriteTimeout(cfg))
}

func TestLoadIni_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadIni(filepath.Join(t.TempDir(), "absent.ini"))
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, DefaultMaxConnections, cfg.MaxConnections)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, DefaultReadTimeout, ReadTimeout(cfg))
	assert.Equal(t, DefaultWriteTimeout, WriteTimeout(cfg))
	assert.Equal(t, DefaultShutdownGrace, ShutdownGrace(cfg))
	assert.Equal(t, "info", cfg.Level)
	assert.Zero(t, cfg.WebPort)
}

func TestLoadIni_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "okserver.ini")
	content := `
[server]
listen_addr = 0.0.0.0:8080
max_connections = 64
read_timeout_ms = 250

[log]
level = debug

[web]
web_port = 9090
web_user = admin
web_password = secret
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadIni(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
	assert.Equal(t, 64, cfg.MaxConnections)
	assert.Equal(t, 250*time.Millisecond, ReadTimeout(cfg))
	// untouched keys keep their defaults
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, DefaultWriteTimeout, WriteTimeout(cfg))
	assert.Equal(t, "debug", cfg.Level)
	assert.Equal(t, 9090, cfg.WebPort)
	assert.Equal(t, "admin", cfg.WebUser)
	assert.Equal(t, "secret", cfg.WebPassword)
}

func TestLoadIniBytes_EnvOverrides(t *testing.T) {
	t.Setenv("OKSERVER_LISTEN_ADDR", "127.0.0.1:0")
	t.Setenv("OKSERVER_MAX_CONNECTIONS", "7")
	t.Setenv("OKSERVER_WEB_PORT", "not-a-number")

	cfg, err := LoadIniBytes([]byte("[server]\nlisten_addr = 10.0.0.1:80\n"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", cfg.ListenAddr)
	assert.Equal(t, 7, cfg.MaxConnections)
	assert.Zero(t, cfg.WebPort, "unparsable env values are ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *types.Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *types.Config) {}},
		{name: "missing port", mutate: func(c *types.Config) { c.ListenAddr = "127.0.0.1" }, wantErr: true},
		{name: "zero max connections", mutate: func(c *types.Config) { c.MaxConnections = 0 }, wantErr: true},
		{name: "negative buffer", mutate: func(c *types.Config) { c.BufferSize = -1 }, wantErr: true},
		{name: "zero read timeout", mutate: func(c *types.Config) { c.ReadTimeoutMs = 0 }, wantErr: true},
		{name: "negative grace", mutate: func(c *types.Config) { c.ShutdownGraceMs = -5 }, wantErr: true},
		{name: "zero grace", mutate: func(c *types.Config) { c.ShutdownGraceMs = 0 }},
		{name: "web port out of range", mutate: func(c *types.Config) { c.WebPort = 70000 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadIniBytes_Malformed(t *testing.T) {
	_, err := LoadIniBytes([]byte("[server\nlisten_addr"))
	assert.Error(t, err)
}
