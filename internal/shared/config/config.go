package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/ini.v1"

	"okserver/internal/core/listener"
	"okserver/internal/core/responder"
	"okserver/internal/shared/types"
)

const (
	DefaultListenAddr     = "127.0.0.1:1234"
	DefaultMaxConnections = listener.DefaultMaxConnections
	DefaultBufferSize     = responder.DefaultBufferSize
	DefaultReadTimeout    = responder.DefaultReadTimeout
	DefaultWriteTimeout   = responder.DefaultWriteTimeout
	DefaultShutdownGrace  = 10 * time.Second
	DefaultLogLevel       = "info"
	DefaultWebHost        = "127.0.0.1"
	DefaultWebMaxClients  = 16
)

// Default 返回一份带有全部默认值的配置。
func Default() *types.Config {
	return &types.Config{
		ServerConf: types.ServerConf{
			ListenAddr:      DefaultListenAddr,
			MaxConnections:  DefaultMaxConnections,
			BufferSize:      DefaultBufferSize,
			ReadTimeoutMs:   int(DefaultReadTimeout / time.Millisecond),
			WriteTimeoutMs:  int(DefaultWriteTimeout / time.Millisecond),
			ShutdownGraceMs: int(DefaultShutdownGrace / time.Millisecond),
		},
		LogConf: types.LogConf{Level: DefaultLogLevel},
		WebConf: types.WebConf{WebHost: DefaultWebHost, WebMaxClients: DefaultWebMaxClients},
	}
}

// LoadIni 加载 okserver.ini。文件不存在时使用默认配置。
func LoadIni(fileName string) (*types.Config, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			applyEnvOverrides(cfg)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadIniBytes(data)
}

// LoadIniBytes maps in-memory ini content on top of the defaults.
func LoadIniBytes(data []byte) (*types.Config, error) {
	cfg := Default()
	iniFile, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ini content: %w", err)
	}
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("failed to map ini content to config struct: %w", err)
	}
	applyEnvOverrides(cfg)
	return cfg, Validate(cfg)
}

// Validate rejects values the listener cannot run with.
func Validate(cfg *types.Config) error {
	if _, _, err := net.SplitHostPort(cfg.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", cfg.ListenAddr, err)
	}
	if cfg.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", cfg.BufferSize)
	}
	if cfg.ReadTimeoutMs <= 0 || cfg.WriteTimeoutMs <= 0 {
		return fmt.Errorf("read_timeout_ms and write_timeout_ms must be positive")
	}
	if cfg.ShutdownGraceMs < 0 {
		return fmt.Errorf("shutdown_grace_ms must not be negative, got %d", cfg.ShutdownGraceMs)
	}
	if cfg.WebPort < 0 || cfg.WebPort > 65535 {
		return fmt.Errorf("web_port out of range: %d", cfg.WebPort)
	}
	if cfg.WebMaxClients <= 0 {
		cfg.WebMaxClients = DefaultWebMaxClients
	}
	return nil
}

// ReadTimeout, WriteTimeout and ShutdownGrace convert the millisecond fields.
func ReadTimeout(cfg *types.Config) time.Duration {
	return time.Duration(cfg.ReadTimeoutMs) * time.Millisecond
}

func WriteTimeout(cfg *types.Config) time.Duration {
	return time.Duration(cfg.WriteTimeoutMs) * time.Millisecond
}

func ShutdownGrace(cfg *types.Config) time.Duration {
	return time.Duration(cfg.ShutdownGraceMs) * time.Millisecond
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvString(&cfg.ListenAddr, "OKSERVER_LISTEN_ADDR")
	overrideFromEnvInt(&cfg.MaxConnections, "OKSERVER_MAX_CONNECTIONS")
	overrideFromEnvInt(&cfg.WebPort, "OKSERVER_WEB_PORT")
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}
