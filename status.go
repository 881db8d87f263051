package ppo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unixpickle/essentials"
)

// A Status is the training status registry: scalar metrics
// in a general section plus one section per policy.
//
// Schedulers read from it, checkpoints persist it, and the
// trainer logs it after every iteration.
type Status struct {
	General  map[string]float64            `json:"general"`
	Policies map[string]map[string]float64 `json:"policies"`
}

// NewStatus creates an empty registry.
func NewStatus() *Status {
	return &Status{
		General:  map[string]float64{},
		Policies: map[string]map[string]float64{},
	}
}

// Policy returns the section for a policy, creating it on
// demand.
func (s *Status) Policy(name string) map[string]float64 {
	if s.Policies[name] == nil {
		s.Policies[name] = map[string]float64{}
	}
	return s.Policies[name]
}

// Save writes the registry to dir as a per-rank JSON file.
func (s *Status) Save(dir string, rank int) (err error) {
	defer essentials.AddCtxTo("save status", &err)
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(statusPath(dir, rank), data, 0644)
}

// Load merges a saved registry into this one, key by key.
//
// If the rank's own file is missing, rank 0's file is used
// instead, so a run restarted with more workers still
// restores shared state. Keys absent from the file keep
// their current values.
func (s *Status) Load(dir string, rank int) (err error) {
	defer essentials.AddCtxTo("load status", &err)
	path := statusPath(dir, rank)
	if _, statErr := os.Stat(path); statErr != nil {
		path = statusPath(dir, 0)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded Status
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	for key, val := range loaded.General {
		s.General[key] = val
	}
	for name, section := range loaded.Policies {
		dest := s.Policy(name)
		for key, val := range section {
			dest[key] = val
		}
	}
	return nil
}

func statusPath(dir string, rank int) string {
	return filepath.Join(dir, fmt.Sprintf("status_%d.json", rank))
}
