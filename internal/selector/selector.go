// Package selector orders candidate accounts for a request using
// session-affinity: accounts already inside their rolling session window are
// preferred so provider-side prompt caches stay warm, and within each group
// higher priority wins with least-recently-used as the tiebreak.
package selector

import (
	"sort"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// Candidates returns the failover-ordered list of usable accounts.
// Paused, token-invalid, and rate-limited accounts are dropped entirely.
// The result is a new slice; the input is not reordered.
func Candidates(accounts []*relay.Account, sessionDuration time.Duration, now time.Time) []*relay.Account {
	inSession := make([]*relay.Account, 0, len(accounts))
	fresh := make([]*relay.Account, 0, len(accounts))

	for _, a := range accounts {
		if !a.Selectable(now) {
			continue
		}
		if a.InSession(now, sessionDuration) {
			inSession = append(inSession, a)
		} else {
			fresh = append(fresh, a)
		}
	}

	orderGroup(inSession)
	orderGroup(fresh)
	return append(inSession, fresh...)
}

// orderGroup sorts by priority descending, then least recently used first.
// Accounts never used (last_used zero) sort ahead of used ones at equal
// priority.
func orderGroup(group []*relay.Account) {
	sort.SliceStable(group, func(i, j int) bool {
		if group[i].Priority != group[j].Priority {
			return group[i].Priority > group[j].Priority
		}
		return group[i].LastUsed < group[j].LastUsed
	})
}
