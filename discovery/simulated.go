package discovery

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerconnect/models"
)

const (
	// DefaultMinPeers keeps at least this many simulated devices visible.
	DefaultMinPeers = 2
	// DefaultMaxPeers caps the number of simulated devices.
	DefaultMaxPeers = 8

	defaultAppearChance       = 0.35
	defaultVanishChance       = 0.08
	defaultStatusChangeChance = 0.15
	defaultRenameChance       = 0.02

	minRSSI = -95
	maxRSSI = -30

	// Log-distance path loss: measured power at 1 m and environment exponent.
	referenceRSSI   = -59.0
	pathLossFactor  = 2.2
	maxDistanceMetr = 60.0
)

// SimulatedConfig tunes the randomized device roster.
type SimulatedConfig struct {
	Roster   []RosterEntry
	MinPeers int
	MaxPeers int

	AppearChance       float64
	VanishChance       float64
	StatusChangeChance float64
	RenameChance       float64

	Rand *rand.Rand
	// NewID overrides device ID generation.
	NewID func() string
}

func (c SimulatedConfig) withDefaults() SimulatedConfig {
	out := c
	if len(out.Roster) == 0 {
		out.Roster = DefaultRoster()
	}
	if out.MinPeers <= 0 {
		out.MinPeers = DefaultMinPeers
	}
	if out.MaxPeers <= 0 {
		out.MaxPeers = DefaultMaxPeers
	}
	if out.MinPeers > out.MaxPeers {
		out.MinPeers = out.MaxPeers
	}
	if out.AppearChance <= 0 {
		out.AppearChance = defaultAppearChance
	}
	if out.VanishChance < 0 {
		out.VanishChance = 0
	} else if out.VanishChance == 0 {
		out.VanishChance = defaultVanishChance
	}
	if out.StatusChangeChance <= 0 {
		out.StatusChangeChance = defaultStatusChangeChance
	}
	if out.RenameChance <= 0 {
		out.RenameChance = defaultRenameChance
	}
	if out.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		out.Rand = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	if out.NewID == nil {
		out.NewID = uuid.NewString
	}
	return out
}

type simDevice struct {
	id      string
	name    string
	status  models.PeerStatus
	isRelay bool
}

// SimulatedSource fakes nearby devices appearing, drifting, and vanishing.
// No radio or network access backs it.
type SimulatedSource struct {
	cfg SimulatedConfig

	mu         sync.Mutex
	rng        *rand.Rand
	devices    []*simDevice
	nextRoster int
}

// NewSimulatedSource creates a randomized source with defaults applied.
func NewSimulatedSource(config SimulatedConfig) *SimulatedSource {
	cfg := config.withDefaults()
	return &SimulatedSource{
		cfg: cfg,
		rng: cfg.Rand,
	}
}

// Scan advances the simulation by one tick and reports the visible devices.
func (s *SimulatedSource) Scan(ctx context.Context) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropVanished()
	for len(s.devices) < s.cfg.MinPeers {
		s.addDevice()
	}
	if len(s.devices) < s.cfg.MaxPeers && s.rng.Float64() < s.cfg.AppearChance {
		s.addDevice()
	}

	out := make([]Observation, 0, len(s.devices))
	for _, device := range s.devices {
		if s.rng.Float64() < s.cfg.StatusChangeChance {
			device.status = s.randomStatus()
		}
		if s.rng.Float64() < s.cfg.RenameChance {
			device.name = s.nextEntry().Name
		}

		rssi := minRSSI + s.rng.IntN(maxRSSI-minRSSI+1)
		out = append(out, Observation{
			ID:       device.id,
			Name:     device.name,
			Status:   device.status,
			Distance: distanceFromRSSI(rssi, s.rng.Float64()),
			RSSI:     rssi,
			IsRelay:  device.isRelay,
		})
	}
	return out, nil
}

// Len reports how many devices are currently simulated.
func (s *SimulatedSource) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *SimulatedSource) dropVanished() {
	kept := s.devices[:0]
	for i, device := range s.devices {
		remaining := len(s.devices) - i + len(kept) - 1
		if remaining >= s.cfg.MinPeers && s.rng.Float64() < s.cfg.VanishChance {
			continue
		}
		kept = append(kept, device)
	}
	s.devices = kept
}

func (s *SimulatedSource) addDevice() {
	entry := s.nextEntry()
	status := entry.Status
	if status == "" || status == models.PeerStatusOffline {
		status = models.PeerStatusOnline
	}
	s.devices = append(s.devices, &simDevice{
		id:      s.cfg.NewID(),
		name:    entry.Name,
		status:  status,
		isRelay: entry.IsRelay,
	})
}

func (s *SimulatedSource) nextEntry() RosterEntry {
	entry := s.cfg.Roster[s.nextRoster%len(s.cfg.Roster)]
	s.nextRoster++
	return entry
}

func (s *SimulatedSource) randomStatus() models.PeerStatus {
	switch s.rng.IntN(4) {
	case 0:
		return models.PeerStatusBusy
	case 1:
		return models.PeerStatusAway
	default:
		return models.PeerStatusOnline
	}
}

// distanceFromRSSI converts signal strength to metres with up to 15% jitter.
func distanceFromRSSI(rssi int, jitter float64) float64 {
	d := math.Pow(10, (referenceRSSI-float64(rssi))/(10*pathLossFactor))
	d *= 0.85 + 0.3*jitter
	if d > maxDistanceMetr {
		d = maxDistanceMetr
	}
	return math.Max(math.Round(d*10)/10, 0.1)
}
