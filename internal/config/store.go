package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
)

// Store publishes rule snapshots. Readers grab the current snapshot once
// per pipeline invocation and keep it for the whole evaluation; Reload
// builds a replacement and swaps a single pointer, so in-flight analyses
// never observe a partially loaded configuration.
type Store struct {
	path    string // empty means compiled-in defaults only
	log     *zap.Logger
	version atomic.Int64
	current atomic.Pointer[Snapshot]
}

// rulesFile is the on-disk rules.json shape.
type rulesFile struct {
	Rules []RuleConfig `json:"rules"`
}

// NewStore loads the initial snapshot. A missing file falls back to the
// compiled-in defaults with a warning; a malformed file is fatal — an
// engine with no rules has nothing to evaluate.
func NewStore(path string, log *zap.Logger) (*Store, error) {
	s := &Store{path: path, log: log}
	snap, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("loading initial rule snapshot: %w", err)
	}
	s.current.Store(snap)
	return s, nil
}

// Current returns the active snapshot. Never nil after NewStore succeeds.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Reload rebuilds the snapshot from disk and swaps it in atomically. On
// failure the previous snapshot stays active.
func (s *Store) Reload() (*Snapshot, error) {
	snap, err := s.load()
	if err != nil {
		return nil, fmt.Errorf("reloading rule snapshot: %w", err)
	}
	s.current.Store(snap)
	if s.log != nil {
		s.log.Info("rule snapshot reloaded",
			zap.Int("version", snap.Version),
			zap.Int("rules", len(snap.Rules())))
	}
	return snap, nil
}

func (s *Store) load() (*Snapshot, error) {
	version := int(s.version.Add(1))

	if s.path == "" {
		return NewSnapshot(version, DefaultRules()), nil
	}

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if s.log != nil {
			s.log.Warn("rules file not found, using default rules", zap.String("path", s.path))
		}
		return NewSnapshot(version, DefaultRules()), nil
	}
	if err != nil {
		return nil, err
	}

	var file rulesFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("parsing %s: no rules defined", s.path)
	}
	for _, r := range file.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("parsing %s: rule with empty name", s.path)
		}
		if r.Weight < 0 || r.Weight > 1 {
			return nil, fmt.Errorf("parsing %s: rule %q weight %v outside [0,1]", s.path, r.Name, r.Weight)
		}
	}
	return NewSnapshot(version, file.Rules), nil
}
