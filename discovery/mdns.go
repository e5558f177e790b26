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
	"time"

	"github.com/grandcat/zeroconf"

	"peerconnect/models"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_peerconnect._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultBrowseTimeout bounds each mDNS browse window.
	DefaultBrowseTimeout = 1500 * time.Millisecond
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// resolver is the browsing half of *zeroconf.Resolver.
type resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

func newZeroconfResolver() (resolver, error) {
	return zeroconf.NewResolver(nil)
}

// MDNSConfig controls LAN advertisement and browsing.
type MDNSConfig struct {
	Service       string
	Domain        string
	Version       int
	BrowseTimeout time.Duration

	SelfDeviceID   string
	DeviceName     string
	ListeningPort  int
	KeyFingerprint string
	Status         models.PeerStatus
	IsRelay        bool

	registerFn  registerFunc
	browseFn    browseFunc
	newResolver func() (resolver, error)
}

func (c MDNSConfig) withDefaults() MDNSConfig {
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
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.Status == "" {
		out.Status = models.PeerStatusOnline
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	if out.newResolver == nil {
		out.newResolver = newZeroconfResolver
	}
	return out
}

func (c MDNSConfig) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		return errors.New("self device ID is required")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		return errors.New("device name is required")
	}
	if c.ListeningPort <= 0 {
		return errors.New("listening port must be > 0")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config MDNSConfig) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	relay := "0"
	if cfg.IsRelay {
		relay = "1"
	}
	txt := []string{
		"device_id=" + cfg.SelfDeviceID,
		"version=" + strconv.Itoa(cfg.Version),
		"status=" + string(cfg.Status),
		"relay=" + relay,
		"key_fingerprint=" + cfg.KeyFingerprint,
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// MDNSSource reports LAN devices advertising the peerconnect service.
type MDNSSource struct {
	cfg    MDNSConfig
	browse browseFunc
}

// NewMDNSSource creates a browsing source.
func NewMDNSSource(config MDNSConfig) (*MDNSSource, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.SelfDeviceID) == "" {
		return nil, errors.New("self device ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		// zeroconf shuts a resolver's sockets down when its browse context ends,
		// so every scan window needs a fresh one.
		newResolver := cfg.newResolver
		browse = func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			r, err := newResolver()
			if err != nil {
				return fmt.Errorf("create mDNS resolver: %w", err)
			}
			return r.Browse(ctx, service, domain, entries)
		}
	}

	return &MDNSSource{cfg: cfg, browse: browse}, nil
}

// Scan browses for one window and returns the devices that answered.
func (m *MDNSSource) Scan(ctx context.Context) ([]Observation, error) {
	scanCtx, cancel := context.WithTimeout(ctx, m.cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Observation)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := (<-chan *zeroconf.ServiceEntry)(entries)
		collect := func(entry *zeroconf.ServiceEntry) {
			if entry == nil {
				return
			}
			obs, ok := parseEntry(entry, m.cfg.SelfDeviceID)
			if !ok {
				return
			}
			collectedMu.Lock()
			collected[obs.ID] = obs
			collectedMu.Unlock()
		}
		for {
			select {
			case <-scanCtx.Done():
				for in != nil {
					select {
					case entry, ok := <-in:
						if !ok {
							return
						}
						collect(entry)
					default:
						return
					}
				}
				return
			case entry, ok := <-in:
				if !ok {
					// zeroconf closes the channel when browsing ends.
					in = nil
					continue
				}
				collect(entry)
			}
		}
	}()

	if err := m.browse(scanCtx, m.cfg.Service, m.cfg.Domain, entries); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	collectedMu.Lock()
	out := make([]Observation, 0, len(collected))
	for _, obs := range collected {
		out = append(out, obs)
	}
	collectedMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	// The caller cancelling is an error; the browse window ending is not.
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (Observation, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["device_id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return Observation{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = deviceID
	}

	status := models.PeerStatus(strings.ToLower(txt["status"]))
	if !status.Valid() {
		status = models.PeerStatusOnline
	}

	relay, _ := strconv.ParseBool(txt["relay"])

	return Observation{
		ID:      deviceID,
		Name:    name,
		Status:  status,
		IsRelay: relay,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
