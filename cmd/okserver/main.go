package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"okserver/internal/app"
	"okserver/internal/core/listener"
	"okserver/internal/shared/config"
	"okserver/internal/shared/logger"
)

func main() {
	configPath := flag.String("config", "configs/okserver.ini", "Path to okserver.ini")
	flag.Parse()

	// 1. 加载 .ini 配置
	cfg, err := config.LoadIni(*configPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 创建并运行服务器
	if err := app.New(cfg).Run(ctx); err != nil {
		var bindErr *listener.BindError
		if errors.As(err, &bindErr) {
			logger.Fatal().Err(err).Msgf("Cannot listen on %s", bindErr.Addr)
		}
		logger.Fatal().Err(err).Msg("okserver exited with error")
	}
}
