package discovery

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"peerconnect/models"
)

// RosterEntry seeds one simulated device.
type RosterEntry struct {
	Name    string            `yaml:"name"`
	IsRelay bool              `yaml:"relay"`
	Status  models.PeerStatus `yaml:"status,omitempty"`
}

type rosterFile struct {
	Peers []RosterEntry `yaml:"peers"`
}

// DefaultRoster is used when no roster file is configured.
func DefaultRoster() []RosterEntry {
	return []RosterEntry{
		{Name: "Quiet Harbor", IsRelay: true},
		{Name: "Morning Fern"},
		{Name: "Blue Lantern"},
		{Name: "Still Water", IsRelay: true},
		{Name: "Cedar Path"},
		{Name: "Soft Echo"},
		{Name: "Open Meadow", IsRelay: true},
		{Name: "Warm Ember"},
		{Name: "North Star"},
		{Name: "Gentle Tide"},
	}
}

// LoadRoster reads simulated device names from a YAML file:
//
//	peers:
//	  - name: Quiet Harbor
//	    relay: true
func LoadRoster(path string) ([]RosterEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	var file rosterFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}

	out := make([]RosterEntry, 0, len(file.Peers))
	for i, entry := range file.Peers {
		entry.Name = strings.TrimSpace(entry.Name)
		if entry.Name == "" {
			return nil, fmt.Errorf("roster entry %d: name is required", i+1)
		}
		if entry.Status != "" && !entry.Status.Valid() {
			return nil, fmt.Errorf("roster entry %d: invalid status %q", i+1, entry.Status)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("roster %q has no peers", path)
	}
	return out, nil
}
