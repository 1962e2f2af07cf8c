// Package discovery advertises share sessions on the local network over mDNS
// and resolves a session id back to a dialable endpoint.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"projsync/logging"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_projsync._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultLookupTimeout bounds one Lookup or Scan.
	DefaultLookupTimeout = 5 * time.Second

	txtDeviceID  = "device_id"
	txtSessionID = "session_id"
	txtVersion   = "version"
	txtRoots     = "roots"
)

var (
	// ErrSessionNotFound is returned when no advertisement matches before the lookup ends.
	ErrSessionNotFound = errors.New("discovery: session not found")
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config controls broadcasting and browsing.
type Config struct {
	Service       string
	Domain        string
	Version       int
	LookupTimeout time.Duration

	DeviceID      string
	DeviceName    string
	SessionID     string
	ListeningPort int
	// Roots is the number of roots the session offers.
	Roots         int

	Logger *zap.Logger

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.LookupTimeout <= 0 {
		out.LookupTimeout = DefaultLookupTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	out.Logger = logging.OrDefault(out.Logger).Named("discovery")
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.DeviceID) == "" {
		return errors.New("discovery: device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("discovery: device name is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("discovery: session ID is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("discovery: listening port must be > 0")
	}
	return nil
}

// Broadcaster advertises one share session via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
	logger *zap.Logger
}

// StartBroadcaster registers the session and starts answering queries.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		txtDeviceID + "=" + cfg.DeviceID,
		txtSessionID + "=" + cfg.SessionID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtRoots + "=" + strconv.Itoa(cfg.Roots),
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	cfg.Logger.Info("advertising session",
		logging.SessionID(cfg.SessionID),
		logging.Int("port", cfg.ListeningPort),
	)
	return &Broadcaster{server: server, logger: cfg.Logger}, nil
}

// Stop withdraws the advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
	b.logger.Debug("advertisement stopped")
}
