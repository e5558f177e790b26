package discovery

import (
	"context"
	"errors"

	"peerconnect/models"
)

// Observation is one sighting of a nearby device during a scan.
type Observation struct {
	ID       string
	Name     string
	Status   models.PeerStatus
	Distance float64
	RSSI     int
	IsRelay  bool
}

// Source produces the devices visible during one scan window.
type Source interface {
	Scan(ctx context.Context) ([]Observation, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Observation, error)

// Scan calls f.
func (f SourceFunc) Scan(ctx context.Context) ([]Observation, error) {
	return f(ctx)
}

// MultiSource merges observations from several sources. Later sources win on duplicate IDs.
type MultiSource []Source

// Scan runs every source in order and returns the merged sightings.
func (m MultiSource) Scan(ctx context.Context) ([]Observation, error) {
	var (
		errs  []error
		index = make(map[string]int)
		out   []Observation
	)
	for _, source := range m {
		if source == nil {
			continue
		}
		observed, err := source.Scan(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, obs := range observed {
			if i, exists := index[obs.ID]; exists {
				out[i] = obs
				continue
			}
			index[obs.ID] = len(out)
			out = append(out, obs)
		}
	}
	return out, errors.Join(errs...)
}
