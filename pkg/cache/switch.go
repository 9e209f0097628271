package cache

import (
	"context"
	"sync/atomic"
)

// PreferenceStore persists the disable switch across restarts.
type PreferenceStore interface {
	// LoadDisabled returns the stored value; ok is false when none is stored.
	LoadDisabled(ctx context.Context) (disabled bool, ok bool, err error)
	SaveDisabled(ctx context.Context, disabled bool) error
}

// Switch is the process-wide cache disable flag.
type Switch struct {
	disabled atomic.Bool
	prefs    PreferenceStore
}

// NewSwitch creates a switch with the given initial state. prefs may be nil.
func NewSwitch(disabled bool, prefs PreferenceStore) *Switch {
	s := &Switch{prefs: prefs}
	s.store(disabled)
	return s
}

// Load replaces the current state with the persisted preference, if any.
func (s *Switch) Load(ctx context.Context) error {
	if s.prefs == nil {
		return nil
	}
	disabled, ok, err := s.prefs.LoadDisabled(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.store(disabled)
	}
	return nil
}

// Disabled reports whether the cache is bypassed.
func (s *Switch) Disabled() bool {
	return s.disabled.Load()
}

// Set changes the state and persists it. The in-process state changes even
// when persisting fails.
func (s *Switch) Set(ctx context.Context, disabled bool) error {
	s.store(disabled)
	if s.prefs == nil {
		return nil
	}
	return s.prefs.SaveDisabled(ctx, disabled)
}

func (s *Switch) store(disabled bool) {
	s.disabled.Store(disabled)
	if disabled {
		CacheDisabled.Set(1)
	} else {
		CacheDisabled.Set(0)
	}
}
