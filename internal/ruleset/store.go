package ruleset

import (
	"fmt"
	"sync/atomic"
)

// Store holds the process-wide active ruleset behind an atomic pointer.
// Reads are lock-free; Activate swaps the reference copy-on-write style,
// so activation never blocks or corrupts an in-flight calculation.
type Store struct {
	active atomic.Pointer[Ruleset]
}

// NewStore creates an empty ruleset store.
func NewStore() *Store {
	return &Store{}
}

// Activate makes rs the active ruleset. The previous ruleset remains
// valid for calculations that already captured it.
func (s *Store) Activate(rs *Ruleset) error {
	if rs == nil {
		return fmt.Errorf("cannot activate nil ruleset")
	}
	s.active.Store(rs)
	return nil
}

// Active returns the current ruleset snapshot, or nil if none has been
// activated yet. Callers hold the returned pointer for the duration of
// one calculation.
func (s *Store) Active() *Ruleset {
	return s.active.Load()
}

// ActiveVersion returns the active ruleset version, or "" if none.
func (s *Store) ActiveVersion() string {
	rs := s.active.Load()
	if rs == nil {
		return ""
	}
	return rs.Version
}
