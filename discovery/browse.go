package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Advertisement is one share session seen on the network.
type Advertisement struct {
	DeviceID   string
	DeviceName string
	SessionID  string
	Version    int
	Roots      int
	HostName   string
	Port       int
	Addresses  []string
}

// Address returns a dialable host:port, preferring the first IP address.
func (a Advertisement) Address() string {
	host := strings.TrimSuffix(a.HostName, ".")
	if len(a.Addresses) > 0 {
		host = a.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

// Lookup browses until an advertisement for sessionID appears or the lookup
// timeout elapses.
func Lookup(ctx context.Context, config Config, sessionID string) (Advertisement, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Advertisement{}, errors.New("discovery: session ID is required")
	}

	var found Advertisement
	err := browse(ctx, config, func(ad Advertisement) bool {
		if ad.SessionID != sessionID {
			return false
		}
		found = ad
		return true
	})
	if err != nil {
		return Advertisement{}, err
	}
	if found.SessionID == "" {
		return Advertisement{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return found, nil
}

// Scan collects every advertisement seen within the lookup timeout, sorted
// by device name. The local device is excluded.
func Scan(ctx context.Context, config Config) ([]Advertisement, error) {
	collected := make(map[string]Advertisement)
	err := browse(ctx, config, func(ad Advertisement) bool {
		if ad.DeviceID == config.DeviceID {
			return false
		}
		collected[ad.DeviceID+"/"+ad.SessionID] = ad
		return false
	})
	if err != nil {
		return nil, err
	}

	out := make([]Advertisement, 0, len(collected))
	for _, ad := range collected {
		out = append(out, ad)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceName == out[j].DeviceName {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].DeviceName < out[j].DeviceName
	})
	return out, nil
}

// browse feeds parsed advertisements to visit until it returns true or the
// window closes.
func browse(ctx context.Context, config Config, visit func(Advertisement) bool) error {
	cfg := config.withDefaults()

	run := cfg.browseFn
	if run == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return fmt.Errorf("create mDNS resolver: %w", err)
		}
		run = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				ad, ok := parseEntry(entry)
				if !ok {
					continue
				}
				if visit(ad) {
					cancel()
					return
				}
			}
		}
	}()

	if err := run(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("browse mDNS: %w", err)
	}
	<-scanCtx.Done()
	wg.Wait()

	// The caller's cancellation is an error; the scan window ending is not.
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Advertisement, bool) {
	txt := txtToMap(entry.Text)

	deviceID := txt[txtDeviceID]
	sessionID := txt[txtSessionID]
	if deviceID == "" || sessionID == "" {
		return Advertisement{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])
	roots, _ := strconv.Atoi(txt[txtRoots])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	return Advertisement{
		DeviceID:   deviceID,
		DeviceName: name,
		SessionID:  sessionID,
		Version:    version,
		Roots:      roots,
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
