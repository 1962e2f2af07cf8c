package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	envDeviceName    = "PROJSYNC_DEVICE_NAME"
	envListeningPort = "PROJSYNC_PORT"

	envQueuingTimeout       = "PROJSYNC_QUEUING_TIMEOUT"
	envTransferPollInterval = "PROJSYNC_TRANSFER_POLL_INTERVAL_MS"
	envTransferWaitTimeout  = "PROJSYNC_TRANSFER_WAIT_TIMEOUT"
	envTransferMode         = "PROJSYNC_TRANSFER_MODE"
	envChunkSize            = "PROJSYNC_CHUNK_SIZE"

	envDiscoveryEnabled = "PROJSYNC_DISCOVERY"
	envHistoryRetention = "PROJSYNC_HISTORY_RETENTION_DAYS"

	envLogLevel  = "PROJSYNC_LOG_LEVEL"
	envLogFormat = "PROJSYNC_LOG_FORMAT"
	envLogOutput = "PROJSYNC_LOG_OUTPUT"

	envMetricsAddress = "PROJSYNC_METRICS_ADDR"
)

// LoadFromEnv overlays PROJSYNC_* environment variables onto c.
func (c *Config) LoadFromEnv() {
	if c == nil {
		return
	}

	if v := strings.TrimSpace(os.Getenv(envDeviceName)); v != "" {
		c.Device.DeviceName = v
	}
	if v, ok := readIntEnv(envListeningPort); ok {
		c.Device.ListeningPort = v
		c.Device.PortMode = PortModeFixed
		if v == 0 {
			c.Device.PortMode = PortModeAutomatic
		}
	}

	if v, ok := readIntEnv(envQueuingTimeout); ok {
		c.Negotiation.QueuingTimeoutSeconds = v
	}
	if v, ok := readIntEnv(envTransferPollInterval); ok {
		c.Negotiation.TransferPollIntervalMillis = v
	}
	if v, ok := readIntEnv(envTransferWaitTimeout); ok {
		c.Negotiation.TransferWaitTimeoutSeconds = v
	}
	if v := strings.TrimSpace(os.Getenv(envTransferMode)); v != "" {
		c.Negotiation.TransferMode = strings.ToLower(v)
	}
	if v, ok := readIntEnv(envChunkSize); ok {
		c.Negotiation.ChunkSize = v
	}

	if v := strings.TrimSpace(os.Getenv(envDiscoveryEnabled)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Discovery.Enabled = b
		}
	}

	if v, ok := readIntEnv(envHistoryRetention); ok {
		c.History.RetentionDays = v
	}

	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogFormat)); v != "" {
		c.Logging.Format = v
	}
	if v := strings.TrimSpace(os.Getenv(envLogOutput)); v != "" {
		c.Logging.OutputPath = v
	}

	if v, ok := os.LookupEnv(envMetricsAddress); ok {
		c.Metrics.ListenAddress = strings.TrimSpace(v)
	}
}

func readIntEnv(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}
