package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"okserver/internal/app"
	"okserver/internal/shared/config"
	"okserver/internal/shared/logger"
)

var (
	// 全局变量，用于持有当前嵌入运行的唯一 AppServer 实例
	activeAppServer *app.AppServer
	instanceMutex   sync.Mutex
)

// StatsData 定义了返回给宿主进程的数据结构
type StatsData struct {
	Status            string `json:"status"`
	ListenAddr        string `json:"listenAddr"`
	ActiveConnections int64  `json:"activeConnections"`
	Accepted          uint64 `json:"accepted"`
	Responded         uint64 `json:"responded"`
	Aborted           uint64 `json:"aborted"`
	Uplink            uint64 `json:"uplink"`   // bytes read from peers
	Downlink          uint64 `json:"downlink"` // bytes written to peers
}

// Start runs the responder in-process from the content of an okserver.ini.
// It returns the bound port.
func Start(iniContent string) (port int, err error) {
	// Defer a panic handler to convert panics into errors, which is safer for CGo boundaries.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic: %v\n\n%s", r, debug.Stack())
			port = 0
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		return 0, fmt.Errorf("service is already running")
	}

	cfg, err := config.LoadIniBytes([]byte(iniContent))
	if err != nil {
		return 0, err
	}

	if err := logger.Init(cfg.LogConf); err != nil {
		return 0, fmt.Errorf("failed to initialize logger: %w", err)
	}

	appServer := app.New(cfg)
	port, err = appServer.Start(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start embedded responder")
		return 0, err
	}

	activeAppServer = appServer
	logger.Debug().Int("port", port).Msgf("Go core started successfully, listening on port %d", port)
	return port, nil
}

// Stop stops the embedded responder. It is a no-op when nothing is running.
func Stop() {
	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer != nil {
		logger.Debug().Msg("Stopping embedded responder...")
		if err := activeAppServer.Stop(); err != nil {
			logger.Warn().Err(err).Msg("Embedded responder stopped after grace period")
		}
		activeAppServer = nil
	}
}

// QueryStats 查询当前统计数据，返回 JSON 字符串；未运行时返回 "{}"
func QueryStats() (statsJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in QueryStats: %v\n\n%s", r, debug.Stack())
			statsJson = "{}"
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return "{}", nil
	}

	report := activeAppServer.Status()
	statsBytes, err := json.Marshal(StatsData{
		Status:            report.Status,
		ListenAddr:        report.ListenAddr,
		ActiveConnections: report.ActiveConnections,
		Accepted:          report.Accepted,
		Responded:         report.Responded,
		Aborted:           report.Aborted,
		Uplink:            report.BytesIn,
		Downlink:          report.BytesOut,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal stats: %w", err)
	}
	return string(statsBytes), nil
}

// GetRecentConnections returns a JSON array of the latest finished connections, newest first.
func GetRecentConnections() (recentJson string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("go core panic in GetRecentConnections: %v", r)
			recentJson = "[]" // Return empty JSON array on panic
		}
	}()

	instanceMutex.Lock()
	defer instanceMutex.Unlock()

	if activeAppServer == nil {
		return "[]", nil
	}

	recent := activeAppServer.RecentConnections()
	if len(recent) == 0 {
		return "[]", nil
	}
	recentBytes, err := json.Marshal(recent)
	if err != nil {
		return "[]", fmt.Errorf("failed to marshal recent connections: %w", err)
	}
	return string(recentBytes), nil
}
