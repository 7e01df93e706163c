// Package refdata supplies organism, antibiotic and breakpoint reference
// tables behind the domain.ReferenceDataService capability. Deployments pick
// an embedded snapshot, a remote service client, or the client wrapped in a
// redis read-through cache.
package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/amr-import-engine/internal/domain"
)

// Snapshot is an immutable in-memory reference dataset. Safe for unlimited
// concurrent reads; nothing mutates it after construction.
type Snapshot struct {
	organisms   map[string]domain.Organism
	antibiotics map[string]domain.Antibiotic
	breakpoints map[string][]domain.BreakpointRule // keyed by antibiotic|standard|version
}

// SnapshotFile is the on-disk JSON layout of a reference snapshot.
type SnapshotFile struct {
	Organisms   []domain.Organism       `json:"organisms"`
	Antibiotics []domain.Antibiotic     `json:"antibiotics"`
	Breakpoints []domain.BreakpointRule `json:"breakpoints"`
}

// NewSnapshot indexes reference tables for lookup.
func NewSnapshot(organisms []domain.Organism, antibiotics []domain.Antibiotic, rules []domain.BreakpointRule) *Snapshot {
	s := &Snapshot{
		organisms:   make(map[string]domain.Organism, len(organisms)),
		antibiotics: make(map[string]domain.Antibiotic, len(antibiotics)),
		breakpoints: make(map[string][]domain.BreakpointRule),
	}
	for _, o := range organisms {
		s.organisms[strings.ToUpper(o.Code)] = o
	}
	for _, a := range antibiotics {
		s.antibiotics[strings.ToUpper(a.Code)] = a
	}
	for _, r := range rules {
		key := breakpointKey(r.Antibiotic, r.Standard, r.Version)
		s.breakpoints[key] = append(s.breakpoints[key], r)
	}
	return s
}

// LoadSnapshot reads a reference snapshot from a JSON file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading reference snapshot: %w", err)
	}
	var f SnapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing reference snapshot: %w", err)
	}
	return NewSnapshot(f.Organisms, f.Antibiotics, f.Breakpoints), nil
}

// LookupOrganism resolves an organism code.
func (s *Snapshot) LookupOrganism(_ context.Context, code string) (*domain.Organism, error) {
	o, ok := s.organisms[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, fmt.Errorf("organism %q: %w", code, domain.ErrReferenceNotFound)
	}
	return &o, nil
}

// LookupAntibiotic resolves an antibiotic code.
func (s *Snapshot) LookupAntibiotic(_ context.Context, code string) (*domain.Antibiotic, error) {
	a, ok := s.antibiotics[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, fmt.Errorf("antibiotic %q: %w", code, domain.ErrReferenceNotFound)
	}
	return &a, nil
}

// LookupBreakpoints returns every rule for the query's antibiotic, standard
// and version. Organism/specimen/method narrowing is the interpretation
// engine's job; returning the full candidate set keeps the cache key small.
func (s *Snapshot) LookupBreakpoints(_ context.Context, q domain.BreakpointQuery) ([]domain.BreakpointRule, error) {
	rules := s.breakpoints[breakpointKey(q.Antibiotic, q.Standard, q.Version)]
	return rules, nil
}

func breakpointKey(antibiotic, standard, version string) string {
	return strings.ToUpper(antibiotic) + "|" + strings.ToUpper(standard) + "|" + version
}
