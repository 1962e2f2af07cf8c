package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"projsync/config"
	"projsync/logging"
	"projsync/metrics"
	"projsync/network"
	"projsync/storage"
)

// environment bundles what every subcommand needs at run time.
type environment struct {
	cfg     *config.Config
	dataDir string
	store   *storage.Store
	logger  *zap.Logger

	metricsServer *http.Server
}

// loadEnvironment resolves config from --config or the per-user data
// directory and applies --log-level.
func loadEnvironment() (*environment, error) {
	var (
		cfg     *config.Config
		cfgPath string
		err     error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
		cfgPath = configPath
	} else {
		cfg, cfgPath, err = config.LoadOrCreate()
	}
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logging: %w", err)
	}

	return openEnvironment(cfg, filepath.Dir(cfgPath), logging.L())
}

func openEnvironment(cfg *config.Config, dataDir string, logger *zap.Logger) (*environment, error) {
	if err := config.EnsureDataDirectories(dataDir); err != nil {
		return nil, err
	}
	store, _, err := storage.Open(dataDir, storage.Options{
		HistoryRetention: cfg.History.Retention(),
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	env := &environment{
		cfg:     cfg,
		dataDir: dataDir,
		store:   store,
		logger:  logging.OrDefault(logger),
	}
	if err := env.serveMetrics(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return env, nil
}

func (e *environment) serveMetrics() error {
	address := e.cfg.Metrics.ListenAddress
	if address == "" {
		return nil
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen for metrics on %q: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	e.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := e.metricsServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Warn("metrics endpoint stopped", logging.Err(err))
		}
	}()
	e.logger.Info("serving metrics", logging.String("address", listener.Addr().String()))
	return nil
}

func (e *environment) Close() {
	if e.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = e.metricsServer.Shutdown(ctx)
		cancel()
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("close database", logging.Err(err))
	}
	_ = logging.Sync()
}

func (e *environment) helloOptions() network.HelloOptions {
	return network.HelloOptions{
		DeviceID:   e.cfg.Device.DeviceID,
		DeviceName: e.cfg.Device.DeviceName,
		Logger:     e.logger,
	}
}

// listenAddress honors the configured port mode.
func (e *environment) listenAddress() string {
	if e.cfg.Device.PortMode == config.PortModeFixed && e.cfg.Device.ListeningPort > 0 {
		return ":" + strconv.Itoa(e.cfg.Device.ListeningPort)
	}
	return ":0"
}
