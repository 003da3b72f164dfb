package types

// ServerConf 包含监听与连接处理相关的配置
type ServerConf struct {
	ListenAddr      string `ini:"listen_addr"`
	MaxConnections  int    `ini:"max_connections"`
	BufferSize      int    `ini:"buffer_size"`
	ReadTimeoutMs   int    `ini:"read_timeout_ms"`
	WriteTimeoutMs  int    `ini:"write_timeout_ms"`
	ShutdownGraceMs int    `ini:"shutdown_grace_ms"`
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// WebConf 包含状态页 (status web server) 的配置。WebPort 为 0 时禁用。
type WebConf struct {
	WebHost       string `ini:"web_host"`
	WebPort       int    `ini:"web_port"`
	WebUser       string `ini:"web_user"`
	WebPassword   string `ini:"web_password"`
	WebMaxClients int    `ini:"web_max_clients"`
}

// Config 是 okserver 的统一配置结构体
type Config struct {
	ServerConf `ini:"server"`
	LogConf    `ini:"log"`
	WebConf    `ini:"web"`
}
