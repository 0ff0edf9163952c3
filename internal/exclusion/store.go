// Package exclusion owns the scheduler's persisted selection state: the
// cooldown map (collection title -> expiry date) and the permanent
// user-exemption set.
//
// Files are plain JSON documents so external tooling (and the control-plane
// API) can read them directly. Loads fail soft: an absent or corrupt file
// behaves as empty and heals on the next save.
package exclusion

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "dynamix/pkg/logx"
)

const (
	// DateLayout is the on-disk expiry date format.
	DateLayout = "2006-01-02"

	cooldownFile  = "used_collections.json"
	exemptionFile = "user_exemptions.json"
)

// Store persists cooldowns and exemptions under a state directory.
// All methods are safe for concurrent use; writes go through a temp file
// and rename so readers never observe a partial document.
type Store struct {
	log logx.Logger

	mu            sync.Mutex
	cooldownPath  string
	exemptionPath string
}

func NewStore(stateDir string, log logx.Logger) *Store {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = "."
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:           log,
		cooldownPath:  filepath.Join(stateDir, cooldownFile),
		exemptionPath: filepath.Join(stateDir, exemptionFile),
	}
}

func (s *Store) CooldownPath() string  { return s.cooldownPath }
func (s *Store) ExemptionPath() string { return s.exemptionPath }

// Load returns the cooldown map (title -> "YYYY-MM-DD"). Absent or corrupt
// files yield an empty map, never an error.
func (s *Store) Load() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadCooldownsLocked()
}

func (s *Store) loadCooldownsLocked() map[string]string {
	out := map[string]string{}
	b, err := os.ReadFile(s.cooldownPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cooldown file unreadable; treating as empty",
				logx.String("path", s.cooldownPath), logx.Err(err))
		}
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		s.log.Warn("cooldown file corrupt; treating as empty",
			logx.String("path", s.cooldownPath), logx.Err(err))
		return map[string]string{}
	}
	return out
}

// LoadExemptions returns the permanent exemption set. Absent or corrupt
// files yield an empty set, never an error. The scheduler only reads this;
// mutation happens through SetExemptions (user action).
func (s *Store) LoadExemptions() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := map[string]struct{}{}
	b, err := os.ReadFile(s.exemptionPath)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("exemption file unreadable; treating as empty",
				logx.String("path", s.exemptionPath), logx.Err(err))
		}
		return set
	}
	var titles []string
	if err := json.Unmarshal(b, &titles); err != nil {
		s.log.Warn("exemption file corrupt; treating as empty",
			logx.String("path", s.exemptionPath), logx.Err(err))
		return set
	}
	for _, t := range titles {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// Exemptions returns the exemption titles as a sorted list (for review
// surfaces; order has no semantic meaning).
func (s *Store) Exemptions() []string {
	set := s.LoadExemptions()
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// SetExemptions replaces the exemption document wholesale.
func (s *Store) SetExemptions(titles []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clean := make([]string, 0, len(titles))
	seen := map[string]struct{}{}
	for _, t := range titles {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		clean = append(clean, t)
	}
	sort.Strings(clean)
	return s.writeJSON(s.exemptionPath, clean)
}

// Clean drops every cooldown entry whose expiry is not strictly after the
// given date (entries with unparseable dates are dropped too), persists the
// result, and returns the surviving map. Idempotent for a fixed date.
func (s *Store) Clean(now time.Time) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.loadCooldownsLocked()
	today := truncateToDate(now)
	kept := map[string]string{}
	for title, raw := range cur {
		exp, err := time.Parse(DateLayout, raw)
		if err != nil {
			s.log.Warn("dropping cooldown entry with invalid expiry",
				logx.String("title", title), logx.String("expires", raw))
			continue
		}
		if exp.After(today) {
			kept[title] = raw
		}
	}
	// Return the surviving map even if persisting failed; the caller can
	// keep scheduling from memory and the file heals on the next save.
	err := s.writeJSON(s.cooldownPath, kept)
	return kept, err
}

// Record puts every title on cooldown until now + days, overwriting any
// prior entry, and persists.
func (s *Store) Record(titles []string, days int, now time.Time) error {
	if len(titles) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.loadCooldownsLocked()
	expires := truncateToDate(now).AddDate(0, 0, days).Format(DateLayout)
	for _, t := range titles {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		cur[t] = expires
		s.log.Info("collection added to exclusion list",
			logx.String("title", t), logx.String("expires", expires))
	}
	return s.writeJSON(s.cooldownPath, cur)
}

// Remove deletes a single cooldown entry (user action from the control
// plane). Removing an absent title is a no-op.
func (s *Store) Remove(title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.loadCooldownsLocked()
	if _, ok := cur[title]; !ok {
		return nil
	}
	delete(cur, title)
	return s.writeJSON(s.cooldownPath, cur)
}

// Reset clears all cooldown entries and persists an empty map.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.cooldownPath, map[string]string{})
}

func (s *Store) writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func truncateToDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
