package pool

import "time"

// SyncCredentials writes refreshed OAuth fields from updated back into the
// stored account with the same UUID. The Auth Manager refreshes its own
// *Account parameter in place and persists the credentials file itself;
// this call is what makes that refresh visible to later Select calls,
// which always read from the Store rather than from any adapter's cached
// clone.
func (m *Manager) SyncCredentials(updated *Account) bool {
	return m.store.UpdateOne(updated.UUID, func(a *Account) {
		a.AccessToken = updated.AccessToken
		a.RefreshToken = updated.RefreshToken
		a.ExpiresAt = updated.ExpiresAt
		a.ProfileARN = updated.ProfileARN
	})
}

// MarkSuccess records a successful call: resets the error budget and
// refreshes LastUsed/health-check timestamps. UsageCount is not touched
// here since Select already bumped it at selection time.
func (m *Manager) MarkSuccess(uuid string) {
	now := time.Now().UTC().Format(time.RFC3339)
	m.store.UpdateOne(uuid, func(a *Account) {
		a.IsHealthy = true
		a.ErrorCount = 0
		a.LastUsed = now
		a.ScheduledRecoveryTime = ""
	})
}

// MarkError records a failed call against the error budget. Once
// ErrorCount reaches the configured MaxErrorCount, the account flips
// unhealthy. message is stored for operator visibility; it does not affect
// the budget decision.
func (m *Manager) MarkError(uuid string, message string) {
	now := time.Now().UTC().Format(time.RFC3339)
	m.store.UpdateOne(uuid, func(a *Account) {
		a.ErrorCount++
		a.LastErrorTime = now
		a.LastErrorMessage = message
		if a.ErrorCount >= m.maxErrorCount {
			a.IsHealthy = false
		}
	})
}

// MarkUnhealthyImmediate flips an account unhealthy without waiting for the
// error budget to exhaust — used for errors the pipeline judges
// unconditionally fatal to the account (e.g. authentication rejected).
func (m *Manager) MarkUnhealthyImmediate(uuid string, message string) {
	now := time.Now().UTC().Format(time.RFC3339)
	m.store.UpdateOne(uuid, func(a *Account) {
		a.IsHealthy = false
		a.ErrorCount = m.maxErrorCount
		a.LastErrorTime = now
		a.LastErrorMessage = message
	})
}

// MarkQuotaExhausted marks an account unhealthy with a ScheduledRecoveryTime
// set to the first instant of next UTC month, per the quota-exhaustion
// supplemented feature: such an account stays excluded from both selection
// and probing until that date passes, rather than recovering on the next
// successful probe like an ordinary error-budget trip.
func (m *Manager) MarkQuotaExhausted(uuid string, message string) {
	now := time.Now().UTC()
	recovery := nextMonthFirstDay(now)
	m.store.UpdateOne(uuid, func(a *Account) {
		a.IsHealthy = false
		a.LastErrorTime = now.Format(time.RFC3339)
		a.LastErrorMessage = message
		a.ScheduledRecoveryTime = recovery.Format(time.RFC3339)
	})
}

// nextMonthFirstDay returns 00:00:00 UTC on the first day of the month
// after t.
func nextMonthFirstDay(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}

// Disable sets IsDisabled, removing the account from selection and probing
// without touching its health state.
func (m *Manager) Disable(uuid string) bool {
	return m.store.UpdateOne(uuid, func(a *Account) { a.IsDisabled = true })
}

// Enable clears IsDisabled.
func (m *Manager) Enable(uuid string) bool {
	return m.store.UpdateOne(uuid, func(a *Account) { a.IsDisabled = false })
}

// Probeable returns accounts eligible for a health probe: every account that
// is not disabled and is not still before its scheduled recovery time.
// Healthy accounts are included as well as unhealthy ones.
func (m *Manager) Probeable() []*Account {
	now := time.Now()
	var out []*Account
	for _, a := range m.store.Snapshot() {
		if a.IsDisabled {
			continue
		}
		if recovery, ok := a.ScheduledRecoveryAtTime(); ok && now.Before(recovery) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// RecordProbeResult updates health state from a probe outcome.
func (m *Manager) RecordProbeResult(uuid string, healthy bool, model string) {
	now := time.Now().UTC().Format(time.RFC3339)
	m.store.UpdateOne(uuid, func(a *Account) {
		a.LastHealthCheckTime = now
		a.LastHealthCheckModel = model
		if healthy {
			a.IsHealthy = true
			a.ErrorCount = 0
			a.ScheduledRecoveryTime = ""
		} else {
			a.IsHealthy = false
		}
	})
}
