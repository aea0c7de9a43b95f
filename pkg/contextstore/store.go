package contextstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/eventbus"
)

// tierFile is the on-disk shape of a single tier's persisted findings.
type tierFile struct {
	LastUpdated time.Time `json:"last_updated"`
	Count       int       `json:"count"`
	Findings    []Finding `json:"findings"`
}

type location struct {
	tier Tier
	pos  int
}

// Store is the on-disk, tiered finding store. It is the sole writer of its
// directory's tier files and index; callers serialize through its mutex.
// The zero value is not usable; construct with Open.
type Store struct {
	dir string
	log zerolog.Logger

	mu    sync.Mutex
	tiers map[Tier][]Finding
	byKey map[string]location

	touchMu     sync.Mutex
	recentTouch map[string]time.Time

	bus      *eventbus.Bus
	touchSub eventbus.Queue
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Open loads an existing store from dir (creating it if absent) and starts
// tracking file:* events from bus to feed the "recently touched" relevance
// bonus. Call Close when done.
func Open(dir string, bus *eventbus.Bus, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dlerrors.Persistence(dir, fmt.Errorf("create store dir: %w", err))
	}

	s := &Store{
		dir:         dir,
		log:         log.With().Str("component", "contextstore").Logger(),
		tiers:       make(map[Tier][]Finding, len(allTiers)),
		byKey:       make(map[string]location),
		recentTouch: make(map[string]time.Time),
		bus:         bus,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	for _, tier := range allTiers {
		findings, err := s.loadTier(tier)
		if err != nil {
			return nil, err
		}
		s.tiers[tier] = findings
		for i, f := range findings {
			s.byKey[f.identityKey()] = location{tier: tier, pos: i}
		}
	}

	if bus != nil {
		s.touchSub = eventbus.NewQueue(256)
		bus.Subscribe("file:*", s.touchSub)
		go s.trackTouches()
	} else {
		close(s.doneCh)
	}

	return s, nil
}

// Close stops the recent-touch tracker and releases the bus subscription.
func (s *Store) Close() {
	if s.bus == nil {
		return
	}
	close(s.stopCh)
	<-s.doneCh
	s.bus.UnsubscribeAll(s.touchSub)
}

func (s *Store) trackTouches() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case ev := <-s.touchSub:
			path, _ := ev.Payload["path"].(string)
			if path == "" {
				continue
			}
			s.touchMu.Lock()
			s.recentTouch[path] = ev.Timestamp
			s.touchMu.Unlock()
		}
	}
}

func (s *Store) touchedRecently(file string) bool {
	s.touchMu.Lock()
	ts, ok := s.recentTouch[file]
	s.touchMu.Unlock()
	return ok && time.Since(ts) <= recentTouchWindow
}

// AddFinding ingests a new or updated finding, assigning its tier and
// relevance score, then persists the affected tier file(s) and index
// atomically. On any persistence error, the in-memory state is left
// exactly as it was before the call.
func (s *Store) AddFinding(f Finding) error {
	if !validSeverity(f.Severity) {
		return dlerrors.Persistence(s.dir, fmt.Errorf("invalid severity %q", f.Severity))
	}
	if f.ID == "" {
		// Agents that can't derive a stable ID from their own output (no
		// rule code, no line number) fall back to a random one rather than
		// colliding every ID-less finding from the same agent/file/category
		// onto a single identity key.
		f.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := f.identityKey()
	prevLoc, existed := s.byKey[key]

	tripleCount := s.countTriple(f.Agent, f.File, f.Category, key)
	f.Tier = assignTier(f)
	f.RelevanceScore = scoreFinding(f, s.touchedRecently(f.File), tripleCount)

	if f.Context == nil {
		f.Context = make(map[string]any)
	}
	if existed {
		old := s.tiers[prevLoc.tier][prevLoc.pos]
		if fs, ok := old.Context["first_seen"]; ok {
			f.Context["first_seen"] = fs
		} else {
			f.Context["first_seen"] = old.Timestamp
		}
	} else if _, ok := f.Context["first_seen"]; !ok {
		f.Context["first_seen"] = f.Timestamp
	}

	// Snapshot the tiers we're about to touch so we can roll back on a
	// persistence failure.
	touched := map[Tier][]Finding{f.Tier: append([]Finding(nil), s.tiers[f.Tier]...)}
	if existed && prevLoc.tier != f.Tier {
		touched[prevLoc.tier] = append([]Finding(nil), s.tiers[prevLoc.tier]...)
	}
	prevByKey := s.byKey[key]

	if existed {
		s.removeAt(prevLoc)
	}
	s.tiers[f.Tier] = append(s.tiers[f.Tier], f)
	s.byKey[key] = location{tier: f.Tier, pos: len(s.tiers[f.Tier]) - 1}
	sortTier(s.tiers[f.Tier])
	s.reindexTier(f.Tier)

	persistTiers := []Tier{f.Tier}
	if existed && prevLoc.tier != f.Tier {
		persistTiers = append(persistTiers, prevLoc.tier)
	}

	if err := s.persist(persistTiers...); err != nil {
		// Roll back.
		for tier, findings := range touched {
			s.tiers[tier] = findings
		}
		if existed {
			s.byKey[key] = prevByKey
		} else {
			delete(s.byKey, key)
		}
		s.rebuildByKeyForTiers(touched)
		return err
	}

	return nil
}

// removeAt deletes the finding at loc from its tier slice, shifting later
// entries down by one position.
func (s *Store) removeAt(loc location) {
	slice := s.tiers[loc.tier]
	s.tiers[loc.tier] = append(slice[:loc.pos], slice[loc.pos+1:]...)
	s.reindexTier(loc.tier)
}

// reindexTier refreshes byKey positions for every finding in tier after a
// slice mutation.
func (s *Store) reindexTier(tier Tier) {
	for i, f := range s.tiers[tier] {
		s.byKey[f.identityKey()] = location{tier: tier, pos: i}
	}
}

func (s *Store) rebuildByKeyForTiers(touched map[Tier][]Finding) {
	for tier := range touched {
		s.reindexTier(tier)
	}
}

func (s *Store) countTriple(agent, file, category, excludeKey string) int {
	count := 0
	for _, findings := range s.tiers {
		for _, f := range findings {
			if f.identityKey() == excludeKey {
				continue
			}
			if f.Agent == agent && f.File == file && f.Category == category {
				count++
			}
		}
	}
	return count
}

func sortTier(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].RelevanceScore != findings[j].RelevanceScore {
			return findings[i].RelevanceScore > findings[j].RelevanceScore
		}
		return findings[i].Timestamp.After(findings[j].Timestamp)
	})
}

// ReadIndex returns the current index, recomputed from in-memory tier
// state.
func (s *Store) ReadIndex() Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return buildIndex(s.tiers)
}

// ReadTier returns a copy of the ordered findings for tier.
func (s *Store) ReadTier(tier Tier) []Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Finding, len(s.tiers[tier]))
	copy(out, s.tiers[tier])
	return out
}

// CleanupOldFindings removes findings older than maxAge from every tier and
// rewrites the affected tier files plus the index.
func (s *Store) CleanupOldFindings(maxAge time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	touched := make(map[Tier][]Finding, len(allTiers))
	changed := []Tier{}

	for _, tier := range allTiers {
		before := s.tiers[tier]
		touched[tier] = append([]Finding(nil), before...)

		kept := before[:0:0]
		for _, f := range before {
			if f.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, f)
		}
		if len(kept) != len(before) {
			changed = append(changed, tier)
			s.tiers[tier] = kept
			s.reindexTier(tier)
		}
	}

	if len(changed) == 0 {
		return nil
	}

	if err := s.persist(changed...); err != nil {
		for tier, findings := range touched {
			s.tiers[tier] = findings
			s.reindexTier(tier)
		}
		return err
	}
	return nil
}

func (s *Store) tierPath(tier Tier) string {
	return filepath.Join(s.dir, string(tier)+".json")
}

func (s *Store) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

// persist writes the named tiers' files and the index atomically. It must
// be called with s.mu held.
func (s *Store) persist(tiers ...Tier) error {
	for _, tier := range tiers {
		findings := s.tiers[tier]
		if findings == nil {
			findings = []Finding{}
		}
		tf := tierFile{
			LastUpdated: time.Now(),
			Count:       len(findings),
			Findings:    findings,
		}
		data, err := json.MarshalIndent(tf, "", "  ")
		if err != nil {
			return dlerrors.Persistence(s.tierPath(tier), fmt.Errorf("marshal tier %s: %w", tier, err))
		}
		if err := writeFileAtomic(s.tierPath(tier), data); err != nil {
			return dlerrors.Persistence(s.tierPath(tier), fmt.Errorf("write tier %s: %w", tier, err))
		}
	}

	idx := buildIndex(s.tiers)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return dlerrors.Persistence(s.indexPath(), fmt.Errorf("marshal index: %w", err))
	}
	if err := writeFileAtomic(s.indexPath(), data); err != nil {
		return dlerrors.Persistence(s.indexPath(), fmt.Errorf("write index: %w", err))
	}
	return nil
}

// loadTier reads a tier file at startup. A malformed file is quarantined
// (renamed with a .corrupt.<unix-ts> suffix) and the tier starts empty.
func (s *Store) loadTier(tier Tier) ([]Finding, error) {
	path := s.tierPath(tier)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, dlerrors.Persistence(path, fmt.Errorf("read tier %s: %w", tier, err))
	}

	var tf tierFile
	if err := json.Unmarshal(data, &tf); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt.%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, quarantined); renameErr != nil {
			return nil, dlerrors.CorruptState(path, fmt.Errorf("quarantine corrupt tier %s: %w (original parse error: %v)", tier, renameErr, err))
		}
		s.log.Warn().Str("tier", string(tier)).Str("quarantined_as", quarantined).Err(err).Msg("quarantined corrupt tier file")
		return nil, nil
	}
	return tf.Findings, nil
}

// writeFileAtomic writes data to a temp file, fsyncs it, then renames it
// over path. A reader never observes a torn file.
func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
