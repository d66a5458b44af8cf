package state

import (
	"sort"
	"sync"
)

// Action is a capability checked by an Authorizer
type Action string

const (
	ActionSetBaseRate       Action = "set_base_rate"
	ActionSetBollingerWidth Action = "set_bollinger_width"
	ActionSettle            Action = "settle"
	ActionManageReserve     Action = "manage_reserve"
)

// AllActions lists every capability.
var AllActions = []Action{
	ActionSetBaseRate,
	ActionSetBollingerWidth,
	ActionSettle,
	ActionManageReserve,
}

// Authorizer answers capability checks
type Authorizer interface {
	IsAuthorized(caller string, action Action) bool
}

// AdminTable is an in-memory Authorizer keyed by caller identity.
type AdminTable struct {
	mu     sync.RWMutex
	grants map[string]map[Action]bool
}

func NewAdminTable() *AdminTable {
	return &AdminTable{grants: make(map[string]map[Action]bool)}
}

// Grant gives caller the listed actions; no actions means all of them.
func (t *AdminTable) Grant(caller string, actions ...Action) {
	if len(actions) == 0 {
		actions = AllActions
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.grants[caller]
	if !ok {
		g = make(map[Action]bool, len(actions))
		t.grants[caller] = g
	}
	for _, a := range actions {
		g[a] = true
	}
}

// Revoke removes the listed actions; no actions means all of them.
func (t *AdminTable) Revoke(caller string, actions ...Action) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(actions) == 0 {
		delete(t.grants, caller)
		return
	}
	for _, a := range actions {
		delete(t.grants[caller], a)
	}
}

func (t *AdminTable) IsAuthorized(caller string, action Action) bool {
	if caller == "" {
		return false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.grants[caller][action]
}

// Callers returns every caller holding at least one action, sorted.
func (t *AdminTable) Callers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.grants))
	for c, g := range t.grants {
		if len(g) > 0 {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
