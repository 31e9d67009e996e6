package cache

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Scope names a class of cached reads that a mutation kind invalidates
// together.
type Scope string

const (
	ScopeExpenses           Scope = "expenses"
	ScopeFriends            Scope = "friends"
	ScopeGroups             Scope = "groups"
	ScopeActivities         Scope = "activities"
	ScopeDashboardActivity  Scope = "dashboard-activity"
	ScopeFriendTransactions Scope = "friend-transactions"
	ScopeFriendDetails      Scope = "friend-details"
	ScopeUserBalance        Scope = "user-balance"
	ScopeAnalytics          Scope = "analytics"
)

// scopesByMutation maps a mutation kind (the mutated table) to the scope
// set it must invalidate. Expense mutations ripple through balances and
// every derived view, so they fan out the widest.
var scopesByMutation = map[string][]Scope{
	"expenses": {
		ScopeExpenses, ScopeFriends, ScopeGroups, ScopeActivities,
		ScopeDashboardActivity, ScopeFriendTransactions, ScopeFriendDetails,
		ScopeUserBalance, ScopeAnalytics,
	},
	"groups": {
		ScopeGroups, ScopeActivities, ScopeDashboardActivity, ScopeAnalytics,
	},
	"friends": {
		ScopeFriends, ScopeFriendTransactions, ScopeFriendDetails,
		ScopeDashboardActivity,
	},
	"settlements": {
		ScopeExpenses, ScopeFriends, ScopeActivities, ScopeDashboardActivity,
		ScopeFriendTransactions, ScopeFriendDetails, ScopeUserBalance,
		ScopeAnalytics,
	},
}

// ScopesForMutation returns the scopes invalidated by a mutation of the
// given table. Unknown tables invalidate only their own scope.
func ScopesForMutation(table string) []Scope {
	if scopes, ok := scopesByMutation[table]; ok {
		return scopes
	}
	return []Scope{Scope(table)}
}

// ScopeIndex tracks which cache keys were registered under each
// (user, scope) pair, so invalidation drops exactly those keys instead
// of scanning the key space.
type ScopeIndex struct {
	entries *xsync.MapOf[string, *keySet]
}

type keySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func NewScopeIndex() *ScopeIndex {
	return &ScopeIndex{entries: xsync.NewMapOf[string, *keySet]()}
}

func indexKey(userID string, scope Scope) string {
	return userID + "|" + string(scope)
}

// Register records that key serves the given scopes for userID.
func (i *ScopeIndex) Register(userID string, scopes []Scope, key string) {
	for _, scope := range scopes {
		set, _ := i.entries.LoadOrCompute(indexKey(userID, scope), func() *keySet {
			return &keySet{keys: make(map[string]struct{})}
		})
		set.mu.Lock()
		set.keys[key] = struct{}{}
		set.mu.Unlock()
	}
}

// Take removes and returns every key registered under (userID, scope).
func (i *ScopeIndex) Take(userID string, scope Scope) []string {
	set, ok := i.entries.LoadAndDelete(indexKey(userID, scope))
	if !ok {
		return nil
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	keys := make([]string, 0, len(set.keys))
	for key := range set.keys {
		keys = append(keys, key)
	}
	return keys
}
