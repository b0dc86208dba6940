package pool

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNoHealthyAccounts is returned when no eligible account exists for a
// selection request.
var ErrNoHealthyAccounts = errors.New("no healthy accounts available")

// Manager owns the pool's Store and performs LRU selection and health
// bookkeeping over it. Unlike the reference implementation's Redis-backed
// round-robin counter, selection here is a local, mutex-guarded scan — the
// pool is expected to be small (tens of accounts, not thousands) and lives
// in a single process.
type Manager struct {
	store *Store

	mu            sync.Mutex
	maxErrorCount int64
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Store         *Store
	MaxErrorCount int64
}

// NewManager creates a pool Manager over store.
func NewManager(opts ManagerOptions) *Manager {
	maxErr := opts.MaxErrorCount
	if maxErr <= 0 {
		maxErr = 3
	}
	return &Manager{store: opts.Store, maxErrorCount: maxErr}
}

// Store exposes the underlying Store (for shutdown flushing).
func (m *Manager) Store() *Store { return m.store }

// SelectOptions narrows a selection request.
type SelectOptions struct {
	Model           string
	Excluded        map[string]bool
	SkipUsageCount  bool
}

// Select picks the least-recently-used eligible account: healthy,
// non-disabled, not excluded, past any scheduled recovery time, and (if
// Model is set) not on the account's NotSupportedModels list. Ties break on
// ascending UsageCount. The chosen account's LastUsed/UsageCount are
// updated immediately, under the pool lock, unless SkipUsageCount is set
// (used by the fallback chain's retry selection, which doesn't want a
// failed-over request to look like real usage until it actually succeeds).
func (m *Manager) Select(opts SelectOptions) (*Account, error) {
	now := time.Now()

	var candidate *Account
	m.store.Mutate(func(accounts []*Account) []*Account {
		var eligible []*Account
		for _, a := range accounts {
			if a.IsDisabled {
				continue
			}
			if opts.Excluded != nil && opts.Excluded[a.UUID] {
				continue
			}
			if !a.IsHealthy {
				continue
			}
			if recovery, ok := a.ScheduledRecoveryAtTime(); ok && now.Before(recovery) {
				continue
			}
			if !a.SupportsModel(opts.Model) {
				continue
			}
			eligible = append(eligible, a)
		}
		if len(eligible) == 0 {
			return accounts
		}

		sort.SliceStable(eligible, func(i, j int) bool {
			li, lj := lastUsedSortKey(eligible[i]), lastUsedSortKey(eligible[j])
			if !li.Equal(lj) {
				return li.Before(lj)
			}
			return eligible[i].UsageCount < eligible[j].UsageCount
		})

		chosen := eligible[0]
		if !opts.SkipUsageCount {
			chosen.UsageCount++
			chosen.LastUsed = now.UTC().Format(time.RFC3339)
		}
		candidate = chosen.Clone()
		return accounts
	})

	if candidate == nil {
		return nil, ErrNoHealthyAccounts
	}
	return candidate, nil
}

// lastUsedSortKey returns LastUsed as a time.Time, treating an empty or
// unparsable value as the zero time so never-used accounts sort first.
func lastUsedSortKey(a *Account) time.Time {
	if a.LastUsed == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, a.LastUsed)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

// All returns every account currently in the pool.
func (m *Manager) All() []*Account {
	return m.store.Snapshot()
}

// Find returns the account with the given UUID.
func (m *Manager) Find(uuid string) *Account {
	return m.store.Find(uuid)
}

// Add inserts a new account into the pool.
func (m *Manager) Add(a *Account) {
	m.store.Mutate(func(accounts []*Account) []*Account {
		return append(accounts, a)
	})
}

// Remove deletes an account from the pool by UUID.
func (m *Manager) Remove(uuid string) bool {
	var removed bool
	m.store.Mutate(func(accounts []*Account) []*Account {
		out := accounts[:0]
		for _, a := range accounts {
			if a.UUID == uuid {
				removed = true
				continue
			}
			out = append(out, a)
		}
		return out
	})
	return removed
}

// Counts returns (total, healthy) accounts for the health endpoint.
func (m *Manager) Counts() (total, healthy int) {
	for _, a := range m.store.Snapshot() {
		total++
		if a.IsHealthy && !a.IsDisabled {
			healthy++
		}
	}
	return
}
